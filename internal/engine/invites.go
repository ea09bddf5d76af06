package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"taskmatch/internal/domain"
	"taskmatch/internal/events"
	"taskmatch/internal/match"
	"taskmatch/internal/repo"
)

// rankCandidates returns ranked eligible experts for a task, excluding the
// given expert ids. Pure reads; callers re-check task state inside their
// own transaction before acting on the result.
func (e Engine) rankCandidates(ctx context.Context, t domain.Task, excluded map[string]bool) ([]match.Candidate, error) {
	experts, err := e.Repo.ListEligibleExperts(ctx, t.Subject,
		e.Config.Eligibility.MinRatingAvg, e.Config.Eligibility.MinRatingCount)
	if err != nil {
		return nil, err
	}
	if len(excluded) > 0 {
		kept := experts[:0]
		for _, x := range experts {
			if !excluded[x.ID] {
				kept = append(kept, x)
			}
		}
		experts = kept
	}
	eligible := match.Eligible(t, experts, e.Config.Eligibility)
	return match.Rank(t, eligible, e.Config.Weights), nil
}

// sendWave persists one invite per candidate up to the configured wave size
// and updates the task's matching counters in place. InvitedNow only ever
// grows; NextWaveAt is scheduled when uninvited candidates remain and
// cleared once the pool is exhausted.
func (e Engine) sendWave(ctx context.Context, tx *sql.Tx, t *domain.Task, candidates []match.Candidate, now time.Time, actorID string) (int, error) {
	maxInvites := e.Config.Matching.MaxInvitesPerWave
	batch := candidates
	if len(batch) > maxInvites {
		batch = batch[:maxInvites]
	}
	nowStr := now.UTC().Format(time.RFC3339)
	for _, c := range batch {
		inv := domain.Invite{
			ID:        uuid.New().String(),
			TaskID:    t.ID,
			ExpertID:  c.Expert.ID,
			SentAt:    nowStr,
			Status:    domain.InviteSent,
			LastScore: c.Score,
		}
		if err := e.Repo.InsertInviteTx(ctx, tx, inv); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "invite.sent", "invite", inv.ID, actorID, events.EventPayload{
			"task_id":   t.ID,
			"expert_id": c.Expert.ID,
			"score":     c.Score,
		}); err != nil {
			return 0, err
		}
	}
	t.InvitedNow += len(batch)
	t.UpdatedAt = nowStr
	if len(candidates) > len(batch) {
		next := now.UTC().Add(e.Config.Matching.WaveInterval).Format(time.RFC3339)
		t.NextWaveAt = &next
	} else {
		t.NextWaveAt = nil
	}
	return len(batch), nil
}

// AdvanceWave runs one wave expansion for a task if it is still open and
// its next wave is due. Experts already invited are excluded; declined
// experts become candidates again after the cool-down. No-op (nil) when the
// wave is not due or the task has left open.
func (e Engine) AdvanceWave(ctx context.Context, taskID string) error {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	if !waveDue(t, now) {
		return nil
	}
	excluded, err := e.Repo.ExcludedExpertIDs(ctx, taskID, now, e.Config.Matching.DeclineCooldown)
	if err != nil {
		return err
	}
	candidates, err := e.rankCandidates(ctx, t, excluded)
	if err != nil {
		return err
	}
	return e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		cur, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !waveDue(cur, now) {
			return nil
		}
		sent, err := e.sendWave(ctx, tx, &cur, candidates, now, "scheduler")
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateTask(ctx, tx, cur); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "wave.advanced", "task", cur.ID, "scheduler", events.EventPayload{
			"sent":        sent,
			"invited_now": cur.InvitedNow,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AdvanceDueWaves expands every open task whose wave timer has fired.
// Returns the number of tasks advanced.
func (e Engine) AdvanceDueWaves(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListDueWaves(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, id := range ids {
		if err := e.AdvanceWave(ctx, id); err != nil {
			return advanced, err
		}
		advanced++
	}
	return advanced, nil
}

func waveDue(t domain.Task, now time.Time) bool {
	if t.Status != domain.TaskOpen || t.NextWaveAt == nil {
		return false
	}
	due, err := time.Parse(time.RFC3339, *t.NextWaveAt)
	if err != nil {
		return false
	}
	return !now.Before(due)
}

// RespondInvite records an expert's accept/decline on an invite they own.
func (e Engine) RespondInvite(ctx context.Context, inviteID, expertID, response string) (domain.Invite, error) {
	if response != domain.InviteAccepted && response != domain.InviteDeclined {
		return domain.Invite{}, errors.New("response must be accepted or declined")
	}
	inv, err := e.Repo.GetInvite(ctx, inviteID)
	if err != nil {
		return domain.Invite{}, err
	}
	if inv.ExpertID != expertID {
		return domain.Invite{}, ErrExpertNotEligible
	}
	if inv.Status != domain.InviteSent {
		return domain.Invite{}, ErrInviteResponded
	}
	now := e.now().UTC()
	err = e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Repo.UpdateInviteResponseTx(ctx, tx, inviteID, response, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrInviteResponded
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, "invite.responded", "invite", inviteID, expertID, events.EventPayload{
			"task_id":  inv.TaskID,
			"response": response,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Invite{}, err
	}
	inv.Status = response
	responded := now.Format(time.RFC3339)
	inv.RespondedAt = &responded
	return inv, nil
}
