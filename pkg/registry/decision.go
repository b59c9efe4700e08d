package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/arena"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DecisionRecord is an arena decision ready to be applied to a pair.
// AttemptID names the started attempt the decision completes; when empty
// a terminal event is written directly (manual application).
type DecisionRecord struct {
	AttemptID        string
	TenantID         string
	ModelName        string
	CandidateVersion string
	Input            arena.Input
	Decision         arena.Decision
}

// eventStatusFor maps an arena outcome onto the attempt status it
// completes with.
func eventStatusFor(o arena.Outcome) (EventStatus, error) {
	switch o {
	case arena.OutcomePromote:
		return EventSucceeded, nil
	case arena.OutcomeHold:
		return EventGatedHold, nil
	case arena.OutcomeReject:
		return EventGatedReject, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", o)
	}
}

// ApplyDecision is the only mutator of champion state. In a single
// transaction it:
//   - promote: archives the prior champion, crowns the candidate and
//     completes the attempt as succeeded;
//   - hold: keeps the candidate as it is and completes as gated_hold;
//   - reject: retains the candidate as challenger for inspection and
//     completes as gated_reject.
//
// Every decision also appends a model_experiments row. Concurrent readers
// observe either the state before or after, never zero or two champions.
func (s *store) ApplyDecision(
	ctx context.Context, rec *DecisionRecord,
) (*RetrainingEvent, error) {
	status, err := eventStatusFor(rec.Decision.Outcome)
	if err != nil {
		return nil, fmt.Errorf("applying decision: %w", err)
	}

	inputJSON, err := json.Marshal(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("encoding arena input: %w", err)
	}

	var event RetrainingEvent

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		var candidate ModelVersion
		if err := tx.Where("tenant_id = ? AND model_name = ? AND version = ?",
			rec.TenantID, rec.ModelName, rec.CandidateVersion).
			First(&candidate).Error; err != nil {
			return notFound(err, "loading candidate")
		}

		if candidate.Status != StatusCandidate && candidate.Status != StatusChallenger {
			return fmt.Errorf(
				"deciding on %s in status %s: %w",
				candidate.Version, candidate.Status, ErrInvalidTransition,
			)
		}

		champion, err := getChampion(tx, rec.TenantID, rec.ModelName)
		if err != nil {
			return err
		}

		if rec.Decision.Outcome == arena.OutcomePromote {
			if err := promote(tx, &candidate, champion, now); err != nil {
				return err
			}
		}

		if rec.Decision.Outcome == arena.OutcomeReject && candidate.Status == StatusCandidate {
			if err := setStatus(tx, &candidate, StatusChallenger, nil); err != nil {
				return err
			}
		}

		completion := map[string]any{
			"status":            status,
			"candidate_version": candidate.Version,
			"decision":          string(rec.Decision.Outcome),
			"reason":            rec.Decision.Reason,
			"completed_at":      now,
		}

		if rec.AttemptID != "" {
			res := tx.Model(&RetrainingEvent{}).
				Where("attempt_id = ? AND status = ? AND tenant_id = ? AND model_name = ?",
					rec.AttemptID, EventStarted, rec.TenantID, rec.ModelName).
				Updates(completion)
			if res.Error != nil {
				return fmt.Errorf("completing attempt: %w", res.Error)
			}

			if res.RowsAffected == 0 {
				return fmt.Errorf("completing attempt %s: %w", rec.AttemptID, ErrInvalidTransition)
			}

			if err := tx.Where("attempt_id = ?", rec.AttemptID).First(&event).Error; err != nil {
				return notFound(err, "reloading attempt")
			}
		} else {
			open, err := hasOpenAttempt(tx, rec.TenantID, rec.ModelName)
			if err != nil {
				return err
			}

			if open {
				return ErrAttemptInProgress
			}

			event = RetrainingEvent{
				AttemptID:        uuid.NewString(),
				TenantID:         rec.TenantID,
				ModelName:        rec.ModelName,
				Trigger:          TriggerManual,
				Status:           status,
				CandidateVersion: candidate.Version,
				Decision:         string(rec.Decision.Outcome),
				Reason:           rec.Decision.Reason,
				CompletedAt:      &now,
			}

			if champion != nil {
				event.ChampionVersionAtTime = champion.Version
			}

			if err := tx.Create(&event).Error; err != nil {
				return fmt.Errorf("inserting decision event: %w", err)
			}
		}

		experiment := &ModelExperiment{
			AttemptID:         event.AttemptID,
			TenantID:          rec.TenantID,
			ModelName:         rec.ModelName,
			ChallengerVersion: candidate.Version,
			Outcome:           string(rec.Decision.Outcome),
			Reason:            rec.Decision.Reason,
			DSGate:            string(rec.Decision.DSGate),
			BusinessGate:      string(rec.Decision.BusinessGate),
			Detail:            rec.Decision.Detail,
			InputJSON:         string(inputJSON),
		}

		if champion != nil {
			experiment.ChampionVersion = champion.Version
		}

		if err := tx.Create(experiment).Error; err != nil {
			return fmt.Errorf("recording experiment: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("tenant_id", rec.TenantID).
		WithField("model_name", rec.ModelName).
		WithField("candidate_version", rec.CandidateVersion).
		WithField("decision", rec.Decision.Outcome).
		WithField("reason", rec.Decision.Reason).
		Info("Decision applied")

	return &event, nil
}

// promote archives the prior champion before crowning the candidate, so
// the one-champion index is never violated inside the transaction.
func promote(tx *gorm.DB, candidate, champion *ModelVersion, now time.Time) error {
	if champion != nil {
		if err := setStatus(tx, champion, StatusArchived, map[string]any{
			"archived_at": now,
		}); err != nil {
			return err
		}
	}

	return setStatus(tx, candidate, StatusChampion, map[string]any{
		"promoted_at": now,
	})
}

// setStatus performs a compare-and-set on a version's status.
func setStatus(tx *gorm.DB, v *ModelVersion, to Status, extra map[string]any) error {
	updates := map[string]any{"status": to}
	for k, val := range extra {
		updates[k] = val
	}

	res := tx.Model(&ModelVersion{}).
		Where("id = ? AND status = ?", v.ID, v.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("setting %s to %s: %w", v.Version, to, res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("setting %s to %s: %w", v.Version, to, ErrInvalidTransition)
	}

	v.Status = to

	return nil
}
