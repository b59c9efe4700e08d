package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry/artifacts"
	"github.com/sirupsen/logrus"
)

// File names of the per-pair file registry.
const (
	RegistryFile = "registry.json"
	ChampionFile = "champion.json"
)

// SyncReport describes the difference between the database and the file
// registry found by one reconciliation.
type SyncReport struct {
	Pairs        int      `json:"pairs"`
	FilesChecked int      `json:"files_checked"`
	FilesWritten int      `json:"files_written"`
	Diverged     []string `json:"diverged,omitempty"`
	// Orphans are files with no matching pair in the database. They are
	// reported, never deleted.
	Orphans []string `json:"orphans,omitempty"`
}

// InSync reports whether the file registry already matched the database.
func (r *SyncReport) InSync() bool {
	return len(r.Diverged) == 0
}

// Reconciler keeps the file registry a faithful rendering of the
// transactional registry. The database is always the source of truth.
type Reconciler interface {
	// Sync overwrites every diverged file. Running it twice with no
	// intervening promotion writes nothing the second time.
	Sync(ctx context.Context) (*SyncReport, error)

	// Check computes the divergence without writing anything.
	Check(ctx context.Context) (*SyncReport, error)

	// Stale reports whether the file registry may lag the database. It
	// is set until the first successful Sync and after any failed one.
	Stale() bool
}

// Compile-time interface check.
var _ Reconciler = (*reconciler)(nil)

type reconciler struct {
	log   logrus.FieldLogger
	store Store
	files artifacts.Store
	mu    sync.Mutex
	stale atomic.Bool
	now   func() time.Time
}

// NewReconciler creates a Reconciler mirroring store into files.
func NewReconciler(
	log logrus.FieldLogger,
	store Store,
	files artifacts.Store,
) Reconciler {
	r := &reconciler{
		log:   log.WithField("component", "reconciler"),
		store: store,
		files: files,
		now:   func() time.Time { return time.Now().UTC() },
	}

	r.stale.Store(true)

	return r
}

func (r *reconciler) Stale() bool {
	return r.stale.Load()
}

func (r *reconciler) Check(ctx context.Context) (*SyncReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, _, err := r.diff(ctx)

	return report, err
}

func (r *reconciler) Sync(ctx context.Context) (*SyncReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := r.now()

	report, pending, err := r.diff(ctx)
	if err != nil {
		r.stale.Store(true)

		return nil, err
	}

	divergedPairs := make(map[string]struct{})

	for _, f := range pending {
		if err := r.files.Put(ctx, f.Key, f.Data); err != nil {
			r.stale.Store(true)

			return report, fmt.Errorf("writing %s: %w", f.Key, err)
		}

		report.FilesWritten++
		divergedPairs[f.Pair.String()] = struct{}{}
	}

	r.stale.Store(false)

	if report.FilesWritten == 0 {
		return report, nil
	}

	pairs := make([]string, 0, len(divergedPairs))
	for p := range divergedPairs {
		pairs = append(pairs, p)
	}

	sort.Strings(pairs)

	r.log.WithFields(logrus.Fields{
		"pairs":          report.Pairs,
		"files_written":  report.FilesWritten,
		"diverged_pairs": strings.Join(pairs, ","),
	}).Info("File registry reconciled")

	if err := r.store.RecordReconciliation(ctx, &RegistryReconciliation{
		StartedAt:     started,
		FinishedAt:    r.now(),
		Pairs:         report.Pairs,
		FilesWritten:  report.FilesWritten,
		DivergedPairs: strings.Join(pairs, ","),
	}); err != nil {
		// Files already match the database; only the audit row is lost.
		r.log.WithError(err).Warn("Failed to record reconciliation")
	}

	return report, nil
}

// File is one rendered file of the file registry.
type File struct {
	Pair Pair
	Key  string
	Data []byte
}

// diff renders the expected files from one database snapshot and compares
// them with the stored bytes.
func (r *reconciler) diff(ctx context.Context) (*SyncReport, []File, error) {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	expected, err := Render(snap)
	if err != nil {
		return nil, nil, err
	}

	report := &SyncReport{}

	known := make(map[string]struct{}, len(expected))
	pairs := make(map[Pair]struct{})

	var pending []File

	for _, f := range expected {
		known[f.Key] = struct{}{}
		pairs[f.Pair] = struct{}{}
		report.FilesChecked++

		current, err := r.files.Get(ctx, f.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", f.Key, err)
		}

		if bytes.Equal(current, f.Data) {
			continue
		}

		report.Diverged = append(report.Diverged, f.Key)
		pending = append(pending, f)
	}

	report.Pairs = len(pairs)

	stored, err := r.files.List(ctx, "")
	if err != nil {
		return nil, nil, fmt.Errorf("listing file registry: %w", err)
	}

	for _, key := range stored {
		if _, ok := known[key]; !ok {
			report.Orphans = append(report.Orphans, key)
		}
	}

	return report, pending, nil
}

type registryDocument struct {
	TenantID  string         `json:"tenant_id"`
	ModelName string         `json:"model_name"`
	Versions  []ModelVersion `json:"versions"`
}

type championDocument struct {
	TenantID  string        `json:"tenant_id"`
	ModelName string        `json:"model_name"`
	Champion  *ModelVersion `json:"champion"`
}

// Render produces the file registry for a snapshot: a lineage file and a
// champion pointer per pair. Output depends only on the snapshot's
// versions, so equal database states render to equal bytes.
func Render(snap *Snapshot) ([]File, error) {
	grouped := snap.Pairs()

	pairs := make([]Pair, 0, len(grouped))
	for p := range grouped {
		pairs = append(pairs, p)
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].String() < pairs[j].String()
	})

	files := make([]File, 0, 2*len(pairs))

	for _, p := range pairs {
		versions := normalizeVersions(grouped[p])

		var champion *ModelVersion

		for i := range versions {
			if versions[i].Status == StatusChampion {
				champion = &versions[i]
			}
		}

		reg, err := marshalDocument(registryDocument{
			TenantID:  p.TenantID,
			ModelName: p.ModelName,
			Versions:  versions,
		})
		if err != nil {
			return nil, fmt.Errorf("rendering %s registry: %w", p, err)
		}

		champ, err := marshalDocument(championDocument{
			TenantID:  p.TenantID,
			ModelName: p.ModelName,
			Champion:  champion,
		})
		if err != nil {
			return nil, fmt.Errorf("rendering %s champion: %w", p, err)
		}

		files = append(files,
			File{Pair: p, Key: path.Join(p.TenantID, p.ModelName, RegistryFile), Data: reg},
			File{Pair: p, Key: path.Join(p.TenantID, p.ModelName, ChampionFile), Data: champ},
		)
	}

	return files, nil
}

// normalizeVersions pins timestamps to UTC at second precision so that a
// driver round-trip never changes the rendered bytes.
func normalizeVersions(in []ModelVersion) []ModelVersion {
	out := make([]ModelVersion, len(in))

	for i, v := range in {
		v.CreatedAt = v.CreatedAt.UTC().Truncate(time.Second)

		if v.PromotedAt != nil {
			t := v.PromotedAt.UTC().Truncate(time.Second)
			v.PromotedAt = &t
		}

		if v.ArchivedAt != nil {
			t := v.ArchivedAt.UTC().Truncate(time.Second)
			v.ArchivedAt = &t
		}

		out[i] = v
	}

	return out
}

func marshalDocument(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}

	return append(data, '\n'), nil
}
