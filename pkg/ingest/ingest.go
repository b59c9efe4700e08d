package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/metrics"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Ingestion notice results, as counted by metrics.
const (
	ResultRecorded = "recorded"
	ResultInvalid  = "invalid"
	ResultRetried  = "retried"
)

const maxBackoff = 30 * time.Second

// ErrInvalidNotice is returned for notices that can never be recorded.
var ErrInvalidNotice = errors.New("invalid ingestion notice")

// Notice announces a completed load of tenant transactions.
type Notice struct {
	TenantID           string    `json:"tenant_id"`
	Rows               int64     `json:"rows"`
	FirstTransactionAt time.Time `json:"first_transaction_at"`
	LastTransactionAt  time.Time `json:"last_transaction_at"`
}

// Decode parses a notice. The message key names the tenant when the
// payload does not.
func Decode(msg kafka.Message) (*Notice, error) {
	var n Notice
	if err := json.Unmarshal(msg.Value, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNotice, err)
	}

	if n.TenantID == "" {
		n.TenantID = string(msg.Key)
	}

	if n.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant_id", ErrInvalidNotice)
	}

	return &n, nil
}

// MessageReader is the subset of *kafka.Reader the listener needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink records ingestions.
type Sink interface {
	RecordIngestion(ctx context.Context, in *warehouse.Ingestion) (*warehouse.TenantDataStats, error)
}

// NewKafkaReader creates a consumer group reader for the notice topic.
func NewKafkaReader(log logrus.FieldLogger, cfg *config.IngestConfig) MessageReader {
	l := log.WithField("component", "kafka")

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		ErrorLogger: kafka.LoggerFunc(l.Errorf),
	})
}

// Listener consumes ingestion notices into the warehouse.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
}

// Option customizes a Listener.
type Option func(*listener)

// WithBackoff sets the initial delay between write retries.
func WithBackoff(d time.Duration) Option {
	return func(l *listener) {
		l.backoff = d
	}
}

// Compile-time interface check.
var _ Listener = (*listener)(nil)

type listener struct {
	log     logrus.FieldLogger
	reader  MessageReader
	sink    Sink
	metrics *metrics.Metrics
	backoff time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener creates a Listener. Offsets are committed only after the
// notice was written, or after it was found to be unrecordable.
func NewListener(
	log logrus.FieldLogger,
	reader MessageReader,
	sink Sink,
	m *metrics.Metrics,
	opts ...Option,
) Listener {
	l := &listener{
		log:     log.WithField("component", "ingest"),
		reader:  reader,
		sink:    sink,
		metrics: m,
		backoff: time.Second,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	l.log.Info("Starting ingestion listener")

	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		l.run(ctx)
	}()

	return nil
}

func (l *listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}

	l.wg.Wait()

	if err := l.reader.Close(); err != nil {
		return fmt.Errorf("closing reader: %w", err)
	}

	l.log.Info("Ingestion listener stopped")

	return nil
}

func (l *listener) run(ctx context.Context) {
	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			l.log.WithError(err).Warn("Failed to fetch ingestion notice")

			if !sleep(ctx, l.backoff) {
				return
			}

			continue
		}

		if !l.handle(ctx, msg) {
			return
		}

		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}

			l.log.WithError(err).WithField("offset", msg.Offset).
				Warn("Failed to commit ingestion notice")
		}
	}
}

// handle records one notice, retrying transient failures until the
// context ends. It reports whether the message may be committed.
func (l *listener) handle(ctx context.Context, msg kafka.Message) bool {
	log := l.log.WithFields(logrus.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	notice, err := Decode(msg)
	if err != nil {
		l.metrics.ObserveIngestion(ResultInvalid)
		log.WithError(err).Warn("Dropping invalid ingestion notice")

		return true
	}

	log = log.WithField("tenant_id", notice.TenantID)
	delay := l.backoff

	for {
		stats, err := l.sink.RecordIngestion(ctx, &warehouse.Ingestion{
			TenantID:           notice.TenantID,
			Rows:               notice.Rows,
			FirstTransactionAt: notice.FirstTransactionAt,
			LastTransactionAt:  notice.LastTransactionAt,
		})
		if err == nil {
			l.metrics.ObserveIngestion(ResultRecorded)
			log.WithFields(logrus.Fields{
				"rows":       notice.Rows,
				"total_rows": stats.RowCount,
			}).Debug("Ingestion recorded")

			return true
		}

		if errors.Is(err, warehouse.ErrInvalidIngestion) {
			l.metrics.ObserveIngestion(ResultInvalid)
			log.WithError(err).Warn("Dropping invalid ingestion notice")

			return true
		}

		l.metrics.ObserveIngestion(ResultRetried)
		log.WithError(err).WithField("retry_in", delay).
			Warn("Failed to record ingestion, retrying")

		if !sleep(ctx, delay) {
			return false
		}

		delay = min(delay*2, maxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
