package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/arena"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrTrainingFailed is returned when the training collaborator could not
// produce a candidate. It is never retried within a cycle.
var ErrTrainingFailed = errors.New("training failed")

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// TrainRequest asks the collaborator for a new candidate of a pair.
// AttemptID doubles as the idempotency key. An empty DatasetRef means the
// latest warehouse data.
type TrainRequest struct {
	AttemptID     string `json:"attempt_id"`
	TenantID      string `json:"tenant_id"`
	ModelName     string `json:"model_name"`
	FeatureTier   string `json:"feature_tier"`
	DatasetRef    string `json:"dataset_ref,omitempty"`
	ParentVersion string `json:"parent_version,omitempty"`
}

// EvidenceRow is one backtest or shadow prediction of the candidate.
type EvidenceRow struct {
	ForecastDate time.Time `json:"forecast_date"`
	Predicted    float64   `json:"predicted"`
	Actual       *float64  `json:"actual,omitempty"`
}

// TrainResult is the scored artifact returned by the collaborator.
type TrainResult struct {
	Version          string        `json:"version"`
	DatasetRef       string        `json:"dataset_ref"`
	TrainingRowCount int64         `json:"training_row_count"`
	Metrics          arena.Metrics `json:"metrics"`
	Backtests        []EvidenceRow `json:"backtests"`
	Shadows          []EvidenceRow `json:"shadow_predictions,omitempty"`
}

// BusinessMetrics is the operational snapshot of a version. A nil field
// means the metric is absent, which is different from zero.
type BusinessMetrics struct {
	StockoutMissRate *float64 `json:"stockout_miss_rate"`
	OverstockRate    *float64 `json:"overstock_rate"`
}

// Trainer produces candidates.
type Trainer interface {
	Train(ctx context.Context, req *TrainRequest) (*TrainResult, error)
}

// BusinessMetricsSource reports operational metrics of a version over a
// window. Returns (nil, nil) when no snapshot exists.
type BusinessMetricsSource interface {
	BusinessMetrics(
		ctx context.Context, tenantID, modelName, version string, window time.Duration,
	) (*BusinessMetrics, error)
}

// Client talks to both collaborators over HTTP.
type Client interface {
	Trainer
	BusinessMetricsSource
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates a collaborator client. cfg.Timeout bounds each call;
// the caller's context may cut it shorter.
func NewClient(log logrus.FieldLogger, cfg *config.TrainerConfig) Client {
	return &client{
		log:     log.WithField("component", "trainer"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *client) Train(ctx context.Context, req *TrainRequest) (*TrainResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding train request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/train", bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.AttemptID)

	start := time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrTrainingFailed, statusError(resp))
	}

	var result TrainResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrTrainingFailed, err)
	}

	if result.Version == "" {
		return nil, fmt.Errorf("%w: response has no version", ErrTrainingFailed)
	}

	c.log.WithFields(logrus.Fields{
		"tenant_id":  req.TenantID,
		"model_name": req.ModelName,
		"attempt_id": req.AttemptID,
		"version":    result.Version,
		"backtests":  len(result.Backtests),
		"duration":   time.Since(start).Round(time.Millisecond),
	}).Debug("Training completed")

	return &result, nil
}

func (c *client) BusinessMetrics(
	ctx context.Context, tenantID, modelName, version string, window time.Duration,
) (*BusinessMetrics, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("model_name", modelName)
	q.Set("model_version", version)
	q.Set("window_days", strconv.Itoa(int(window.Hours()/24)))

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+"/v1/business-metrics?"+q.Encode(), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching business metrics: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetching business metrics: %s", statusError(resp))
	}

	var m BusinessMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding business metrics: %w", err)
	}

	return &m, nil
}

func statusError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Sprintf("unexpected status code: %d", resp.StatusCode)
	}

	return fmt.Sprintf("unexpected status code: %d: %s", resp.StatusCode, msg)
}
