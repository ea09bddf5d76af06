package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmatch/internal/domain"
	"taskmatch/internal/events"
	"taskmatch/internal/repo"
)

// AttemptReservation soft-claims an open task for an expert. The task, the
// per-expert reservation count, and the status transition are all read and
// written inside one transaction, so two racing experts can never both hold
// the same task and an expert can never exceed the reservation limit.
func (e Engine) AttemptReservation(ctx context.Context, taskID, expertID string) (domain.Reservation, error) {
	if _, err := e.Repo.GetExpert(ctx, expertID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Reservation{}, ErrExpertNotEligible
		}
		return domain.Reservation{}, err
	}
	var out domain.Reservation
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		if t.Status != domain.TaskOpen {
			return ErrTaskNotAvailable
		}
		held, err := e.Repo.CountActiveReservationsTx(ctx, tx, expertID, now)
		if err != nil {
			return err
		}
		if held >= e.Config.Matching.ReservationLimit {
			return ErrReservationLimit
		}
		until := now.Add(e.Config.Matching.ReservationTTL).Format(time.RFC3339)
		t.Status = domain.TaskReserved
		t.ReservedBy = &expertID
		t.ReservedUntil = &until
		t.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskOpen); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrTaskNotAvailable
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "reservation.acquired", "task", t.ID, expertID, events.EventPayload{
			"reserved_until": until,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = domain.Reservation{
			TaskID:        t.ID,
			ReservedBy:    expertID,
			ReservedUntil: until,
			RemainingMS:   e.Config.Matching.ReservationTTL.Milliseconds(),
		}
		return nil
	})
	return out, err
}

// ConfirmClaim converts an expert's live reservation into a firm claim.
// Confirming a lapsed reservation releases the task back to open and
// reports ErrReservationExpired.
func (e Engine) ConfirmClaim(ctx context.Context, taskID, expertID string) (domain.Task, error) {
	var out domain.Task
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskReserved || t.ReservedBy == nil || *t.ReservedBy != expertID {
			return ErrTaskNotAvailable
		}
		now := e.now().UTC()
		until, err := time.Parse(time.RFC3339, deref(t.ReservedUntil))
		if err != nil {
			return fmt.Errorf("task %s reserved_until: %w", t.ID, err)
		}
		if !now.Before(until) {
			releaseReservation(&t, now)
			if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskReserved); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return ErrReservationExpired
				}
				return err
			}
			if err := e.Events.Append(ctx, tx, "reservation.expired", "task", t.ID, expertID, nil); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			return ErrReservationExpired
		}
		t.Status = domain.TaskClaimed
		t.ExpertID = &expertID
		t.ReservedBy = nil
		t.ReservedUntil = nil
		t.NextWaveAt = nil
		t.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskReserved); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrTaskNotAvailable
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.claimed", "task", t.ID, expertID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// ReleaseReservation voluntarily gives a reservation back. Releasing a task
// the expert no longer holds is a no-op, so callers can fire and forget.
func (e Engine) ReleaseReservation(ctx context.Context, taskID, expertID string) error {
	return e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if t.Status != domain.TaskReserved || t.ReservedBy == nil || *t.ReservedBy != expertID {
			return nil
		}
		releaseReservation(&t, e.now().UTC())
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskReserved); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "reservation.released", "task", t.ID, expertID, nil); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ExpireIfDue releases a single task's reservation if its TTL has lapsed.
// Reports whether this call performed the release; already-released or
// still-live reservations return false with no error.
func (e Engine) ExpireIfDue(ctx context.Context, taskID string) (bool, error) {
	expired := false
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		now := e.now().UTC()
		if t.Status != domain.TaskReserved || t.ReservedUntil == nil {
			return nil
		}
		until, err := time.Parse(time.RFC3339, *t.ReservedUntil)
		if err != nil {
			return fmt.Errorf("task %s reserved_until: %w", t.ID, err)
		}
		if now.Before(until) {
			return nil
		}
		holder := deref(t.ReservedBy)
		releaseReservation(&t, now)
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskReserved); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "reservation.expired", "task", t.ID, "scheduler", events.EventPayload{
			"reserved_by": holder,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// ExpireDueReservations sweeps every lapsed reservation back to open and
// returns how many it released.
func (e Engine) ExpireDueReservations(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListDueReservations(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range ids {
		done, err := e.ExpireIfDue(ctx, id)
		if err != nil {
			return released, err
		}
		if done {
			released++
		}
	}
	return released, nil
}

// Submit records the claimed expert's work and moves the task to submitted.
func (e Engine) Submit(ctx context.Context, taskID, expertID, submissionJSON string) (domain.Task, error) {
	if err := validateJSON(submissionJSON); err != nil {
		return domain.Task{}, fmt.Errorf("submission: %w", err)
	}
	var out domain.Task
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskClaimed || t.ExpertID == nil || *t.ExpertID != expertID {
			return ErrTaskNotAvailable
		}
		t.Status = domain.TaskSubmitted
		t.SubmissionJSON = &submissionJSON
		t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskClaimed); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrTaskNotAvailable
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.submitted", "task", t.ID, expertID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// AcceptSubmission completes a submitted task on behalf of its owner and
// credits the expert's per-subject completion count.
func (e Engine) AcceptSubmission(ctx context.Context, taskID, ownerID string) (domain.Task, error) {
	var out domain.Task
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskSubmitted || t.OwnerID != ownerID {
			return ErrTaskNotAvailable
		}
		nowStr := e.now().UTC().Format(time.RFC3339)
		t.Status = domain.TaskCompleted
		t.CompletedAt = &nowStr
		t.UpdatedAt = nowStr
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskSubmitted); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrTaskNotAvailable
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.completed", "task", t.ID, ownerID, events.EventPayload{
			"expert_id": deref(t.ExpertID),
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.creditCompletion(ctx, out)
	return out, nil
}

// creditCompletion bumps the expert's completion count for the task's
// subject. Best effort: the completion already committed, so a failure here
// only delays the history signal until the next completed task.
func (e Engine) creditCompletion(ctx context.Context, t domain.Task) {
	if t.ExpertID == nil {
		return
	}
	x, err := e.Repo.GetExpert(ctx, *t.ExpertID)
	if err != nil {
		return
	}
	if x.CompletedBySubject == nil {
		x.CompletedBySubject = map[string]int{}
	}
	x.CompletedBySubject[t.Subject]++
	x.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	_ = e.Repo.UpsertExpert(ctx, x)
}

// RejectSubmission sends a submitted task back to the claimed expert for
// rework. The stored submission is cleared so the next submit starts clean.
func (e Engine) RejectSubmission(ctx context.Context, taskID, ownerID, reason string) (domain.Task, error) {
	var out domain.Task
	err := e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskSubmitted || t.OwnerID != ownerID {
			return ErrTaskNotAvailable
		}
		t.Status = domain.TaskClaimed
		t.SubmissionJSON = nil
		t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionTaskTx(ctx, tx, t, domain.TaskSubmitted); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrTaskNotAvailable
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.rejected", "task", t.ID, ownerID, events.EventPayload{
			"reason": reason,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// releaseReservation mutates a reserved task back to open in place. The
// wave timer is restarted from now so matching resumes promptly instead of
// waiting out a timer that elapsed while the task was held.
func releaseReservation(t *domain.Task, now time.Time) {
	t.Status = domain.TaskOpen
	t.ReservedBy = nil
	t.ReservedUntil = nil
	nowStr := now.Format(time.RFC3339)
	t.NextWaveAt = &nowStr
	t.UpdatedAt = nowStr
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
