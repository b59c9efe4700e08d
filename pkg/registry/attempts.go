package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BeginAttempt acquires the per-pair retraining lock by inserting a
// started event. The insert is conditional: when the pair already has a
// non-terminal event it returns ErrAttemptInProgress and writes nothing.
// A manual trigger consumes the oldest pending retrain request.
func (s *store) BeginAttempt(
	ctx context.Context, tenantID, modelName string, trigger Trigger,
) (*RetrainingEvent, error) {
	event := &RetrainingEvent{
		AttemptID: uuid.NewString(),
		TenantID:  tenantID,
		ModelName: modelName,
		Trigger:   trigger,
		Status:    EventStarted,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		open, err := hasOpenAttempt(tx, tenantID, modelName)
		if err != nil {
			return err
		}

		if open {
			return ErrAttemptInProgress
		}

		champion, err := getChampion(tx, tenantID, modelName)
		if err != nil {
			return err
		}

		if champion != nil {
			event.ChampionVersionAtTime = champion.Version
		}

		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("inserting started event: %w", err)
		}

		if trigger == TriggerManual {
			if err := s.consumeRetrainRequest(tx, tenantID, modelName, event.AttemptID); err != nil {
				return err
			}
		}

		return nil
	})
	if err == nil {
		return event, nil
	}

	if errors.Is(err, ErrAttemptInProgress) {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, modelName, ErrAttemptInProgress)
	}

	// A concurrent writer may have won the partial unique index race.
	if open, checkErr := hasOpenAttempt(s.db.WithContext(ctx), tenantID, modelName); checkErr == nil && open {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, modelName, ErrAttemptInProgress)
	}

	return nil, fmt.Errorf("beginning attempt: %w", err)
}

func hasOpenAttempt(db *gorm.DB, tenantID, modelName string) (bool, error) {
	var n int64
	if err := db.Model(&RetrainingEvent{}).
		Where("tenant_id = ? AND model_name = ? AND status = ?",
			tenantID, modelName, EventStarted).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking open attempts: %w", err)
	}

	return n > 0, nil
}

// FailAttempt marks a started attempt failed. Champion state is untouched.
// A manual request consumed by the attempt is queued again.
func (s *store) FailAttempt(
	ctx context.Context, attemptID, reason string,
) (*RetrainingEvent, error) {
	var event RetrainingEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		res := tx.Model(&RetrainingEvent{}).
			Where("attempt_id = ? AND status = ?", attemptID, EventStarted).
			Updates(map[string]any{
				"status":         EventFailed,
				"failure_reason": reason,
				"completed_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("failing attempt: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("failing attempt %s: %w", attemptID, ErrInvalidTransition)
		}

		if err := requeueRetrainRequests(tx, []string{attemptID}); err != nil {
			return err
		}

		if err := tx.Where("attempt_id = ?", attemptID).First(&event).Error; err != nil {
			return notFound(err, "reloading attempt")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// FailStaleAttempts fails every attempt still started before the given
// instant. It releases pair locks left behind by a crashed dispatcher or
// by a completion write that never landed.
func (s *store) FailStaleAttempts(
	ctx context.Context, startedBefore time.Time, reason string,
) (int64, error) {
	var failed int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&RetrainingEvent{}).
			Where("status = ? AND created_at < ?", EventStarted, startedBefore.UTC()).
			Pluck("attempt_id", &ids).Error; err != nil {
			return fmt.Errorf("listing stale attempts: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&RetrainingEvent{}).
			Where("attempt_id IN ? AND status = ?", ids, EventStarted).
			Updates(map[string]any{
				"status":         EventFailed,
				"failure_reason": reason,
				"completed_at":   s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failing stale attempts: %w", res.Error)
		}

		failed = res.RowsAffected

		return requeueRetrainRequests(tx, ids)
	})
	if err != nil {
		return 0, err
	}

	return failed, nil
}

// GetAttempt returns a single attempt by its id.
func (s *store) GetAttempt(
	ctx context.Context, attemptID string,
) (*RetrainingEvent, error) {
	var event RetrainingEvent
	if err := s.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		First(&event).Error; err != nil {
		return nil, notFound(err, "getting attempt")
	}

	return &event, nil
}

// GetHistory returns every attempt of a pair in creation order.
func (s *store) GetHistory(
	ctx context.Context, tenantID, modelName string,
) ([]RetrainingEvent, error) {
	var events []RetrainingEvent
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND model_name = ?", tenantID, modelName).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	return events, nil
}

// LastAttempt returns the most recent attempt of a pair, or (nil, nil).
func (s *store) LastAttempt(
	ctx context.Context, tenantID, modelName string,
) (*RetrainingEvent, error) {
	return s.lastAttempt(ctx, tenantID, modelName, nil)
}

// LastCompletedAttempt returns the most recent attempt whose training
// finished, whatever the gate decided, or (nil, nil). Failed attempts do
// not count: they are retried on the next cycle.
func (s *store) LastCompletedAttempt(
	ctx context.Context, tenantID, modelName string,
) (*RetrainingEvent, error) {
	return s.lastAttempt(ctx, tenantID, modelName, []EventStatus{
		EventSucceeded, EventGatedHold, EventGatedReject,
	})
}

func (s *store) lastAttempt(
	ctx context.Context, tenantID, modelName string, statuses []EventStatus,
) (*RetrainingEvent, error) {
	q := s.db.WithContext(ctx).
		Where("tenant_id = ? AND model_name = ?", tenantID, modelName)

	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var event RetrainingEvent

	err := q.Order("id DESC").First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting last attempt: %w", err)
	}

	return &event, nil
}

// ListOpenAttempts returns every attempt that has not reached a terminal
// status.
func (s *store) ListOpenAttempts(ctx context.Context) ([]RetrainingEvent, error) {
	var events []RetrainingEvent
	if err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalEventStatuses).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing open attempts: %w", err)
	}

	return events, nil
}

// ListExperiments returns the arena decisions of a pair, newest first.
func (s *store) ListExperiments(
	ctx context.Context, tenantID, modelName string,
) ([]ModelExperiment, error) {
	var experiments []ModelExperiment
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND model_name = ?", tenantID, modelName).
		Order("id DESC").
		Find(&experiments).Error; err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}

	return experiments, nil
}

// RequestRetrain queues a manual retrain of a pair. Repeated requests
// before the queue is drained collapse into the pending one.
func (s *store) RequestRetrain(
	ctx context.Context, tenantID, modelName, requestedBy string,
) (*RetrainRequest, error) {
	var req *RetrainRequest

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := pendingRetrainRequest(tx, tenantID, modelName)
		if err != nil {
			return err
		}

		if pending != nil {
			req = pending

			return nil
		}

		req = &RetrainRequest{
			TenantID:    tenantID,
			ModelName:   modelName,
			RequestedBy: requestedBy,
		}

		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("queueing retrain request: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return req, nil
}

// PendingRetrainRequest returns the oldest unconsumed manual request of a
// pair, or (nil, nil).
func (s *store) PendingRetrainRequest(
	ctx context.Context, tenantID, modelName string,
) (*RetrainRequest, error) {
	return pendingRetrainRequest(s.db.WithContext(ctx), tenantID, modelName)
}

func pendingRetrainRequest(db *gorm.DB, tenantID, modelName string) (*RetrainRequest, error) {
	var req RetrainRequest

	err := db.Where("tenant_id = ? AND model_name = ? AND consumed_at IS NULL",
		tenantID, modelName).
		Order("id ASC").
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting pending retrain request: %w", err)
	}

	return &req, nil
}

func (s *store) consumeRetrainRequest(
	tx *gorm.DB, tenantID, modelName, attemptID string,
) error {
	if err := tx.Model(&RetrainRequest{}).
		Where("tenant_id = ? AND model_name = ? AND consumed_at IS NULL",
			tenantID, modelName).
		Updates(map[string]any{
			"consumed_at": s.now(),
			"attempt_id":  attemptID,
		}).Error; err != nil {
		return fmt.Errorf("consuming retrain requests: %w", err)
	}

	return nil
}

// requeueRetrainRequests returns the manual requests consumed by failed
// attempts to the pending queue.
func requeueRetrainRequests(tx *gorm.DB, attemptIDs []string) error {
	if err := tx.Model(&RetrainRequest{}).
		Where("attempt_id IN ?", attemptIDs).
		Updates(map[string]any{
			"consumed_at": nil,
			"attempt_id":  "",
		}).Error; err != nil {
		return fmt.Errorf("requeueing retrain requests: %w", err)
	}

	return nil
}
