package artifacts

import (
	"context"
	"fmt"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// Store holds the file representation of the registry. Keys are
// slash-separated paths relative to the store root, for example
// "acme/demand_forecast/champion.json".
type Store interface {
	// Get reads an object. Returns (nil, nil) when it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces an object. Readers never observe a partial write.
	Put(ctx context.Context, key string, data []byte) error

	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the Store selected by cfg.Backend.
func New(log logrus.FieldLogger, cfg *config.ArtifactsConfig) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		owner, err := fsutil.ParseOwner(cfg.Local.Owner)
		if err != nil {
			return nil, fmt.Errorf("local artifacts: %w", err)
		}

		return NewLocal(cfg.Local.Root, WithOwner(owner)), nil
	case "s3":
		return NewS3(log, &cfg.S3), nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}
