// Package engine implements the matching and reservation engine: posting
// tasks, scoring and inviting experts in waves, and coordinating the
// soft-claim protocol through single-task transactions against the store.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskmatch/internal/config"
	"taskmatch/internal/domain"
	"taskmatch/internal/events"
	"taskmatch/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PostTaskOptions are parameters for posting a new task.
type PostTaskOptions struct {
	ID          string
	OwnerID     string
	Subject     string
	Title       string
	Description string
	Price       float64
	Deadline    string
}

// PostTask creates an open task and fires the first invite wave in the same
// transaction, so a posted task is never observable without its matching
// metadata.
func (e Engine) PostTask(ctx context.Context, opts PostTaskOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.OwnerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	if opts.Subject == "" {
		return domain.Task{}, errors.New("subject is required")
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Price <= 0 {
		return domain.Task{}, errors.New("price must be positive")
	}
	if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
		return domain.Task{}, fmt.Errorf("deadline: %w", err)
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Task{
		ID:          id,
		OwnerID:     opts.OwnerID,
		Subject:     opts.Subject,
		Title:       opts.Title,
		Description: opts.Description,
		Price:       opts.Price,
		Deadline:    opts.Deadline,
		Status:      domain.TaskOpen,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}

	candidates, err := e.rankCandidates(ctx, t, nil)
	if err != nil {
		return domain.Task{}, err
	}

	err = e.withRetry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.posted", "task", t.ID, opts.OwnerID, events.EventPayload{
			"subject": t.Subject,
			"price":   t.Price,
		}); err != nil {
			return err
		}
		if _, err := e.sendWave(ctx, tx, &t, candidates, now, opts.OwnerID); err != nil {
			return err
		}
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RegisterExpert creates or updates an expert profile.
func (e Engine) RegisterExpert(ctx context.Context, x domain.Expert) (domain.Expert, error) {
	if x.ID == "" {
		return x, errors.New("id is required")
	}
	if x.DisplayName == "" {
		return x, errors.New("display_name is required")
	}
	if len(x.Subjects) == 0 {
		return x, errors.New("at least one subject is required")
	}
	if x.MaxPrice < x.MinPrice {
		return x, errors.New("max_price must be >= min_price")
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if x.CreatedAt == "" {
		x.CreatedAt = nowStr
	}
	x.UpdatedAt = nowStr
	if err := e.Repo.UpsertExpert(ctx, x); err != nil {
		return x, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return x, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "expert.registered", "expert", x.ID, x.ID, events.EventPayload{
		"subjects": x.Subjects,
	}); err != nil {
		return x, err
	}
	return x, tx.Commit()
}

// MatchingStatus is the read model for a task's matching progress.
type MatchingStatus struct {
	Task        domain.Task         `json:"task"`
	Invites     []domain.Invite     `json:"invites"`
	Reservation *domain.Reservation `json:"reservation,omitempty"`
}

// GetMatchingStatus returns the task, its invites, and the active
// reservation view if one is outstanding.
func (e Engine) GetMatchingStatus(ctx context.Context, taskID string) (MatchingStatus, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return MatchingStatus{}, err
	}
	invites, err := e.Repo.ListInvitesByTask(ctx, taskID)
	if err != nil {
		return MatchingStatus{}, err
	}
	status := MatchingStatus{Task: t, Invites: invites}
	if t.Status == domain.TaskReserved && t.ReservedBy != nil && t.ReservedUntil != nil {
		until, err := time.Parse(time.RFC3339, *t.ReservedUntil)
		if err != nil {
			return MatchingStatus{}, fmt.Errorf("task %s reserved_until: %w", t.ID, err)
		}
		remaining := until.Sub(e.now().UTC()).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		status.Reservation = &domain.Reservation{
			TaskID:        t.ID,
			ReservedBy:    *t.ReservedBy,
			ReservedUntil: *t.ReservedUntil,
			RemainingMS:   remaining,
		}
	}
	return status, nil
}

func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}
