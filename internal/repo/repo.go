package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,owner_id,subject,title,description,price,deadline,status,expert_id,reserved_by,reserved_until,invited_now,next_wave_at,submission_json,created_at,updated_at,completed_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Subject, t.Title, nullable(t.Description), t.Price, t.Deadline, t.Status,
		nullableStringPtr(t.ExpertID), nullableStringPtr(t.ReservedBy), nullableStringPtr(t.ReservedUntil),
		t.InvitedNow, nullableStringPtr(t.NextWaveAt), nullableStringPtr(t.SubmissionJSON),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, expertID, reservedBy, reservedUntil, nextWaveAt, submission, completedAt sql.NullString
	err := scan(&t.ID, &t.OwnerID, &t.Subject, &t.Title, &description, &t.Price, &t.Deadline, &t.Status,
		&expertID, &reservedBy, &reservedUntil, &t.InvitedNow, &nextWaveAt, &submission,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if expertID.Valid {
		t.ExpertID = &expertID.String
	}
	if reservedBy.Valid {
		t.ReservedBy = &reservedBy.String
	}
	if reservedUntil.Valid {
		t.ReservedUntil = &reservedUntil.String
	}
	if nextWaveAt.Valid {
		t.NextWaveAt = &nextWaveAt.String
	}
	if submission.Valid {
		t.SubmissionJSON = &submission.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET owner_id=?, subject=?, title=?, description=?, price=?, deadline=?, status=?, expert_id=?, reserved_by=?, reserved_until=?, invited_now=?, next_wave_at=?, submission_json=?, updated_at=?, completed_at=? WHERE id=?`,
		t.OwnerID, t.Subject, t.Title, nullable(t.Description), t.Price, t.Deadline, t.Status,
		nullableStringPtr(t.ExpertID), nullableStringPtr(t.ReservedBy), nullableStringPtr(t.ReservedUntil),
		t.InvitedNow, nullableStringPtr(t.NextWaveAt), nullableStringPtr(t.SubmissionJSON),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

// TransitionTaskTx writes the full task row only if the row's current status
// still equals want. Returns ErrNotFound when the guard misses, which means
// another writer moved the task first.
func (r Repo) TransitionTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, want string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, expert_id=?, reserved_by=?, reserved_until=?, invited_now=?, next_wave_at=?, submission_json=?, updated_at=?, completed_at=? WHERE id=? AND status=?`,
		t.Status, nullableStringPtr(t.ExpertID), nullableStringPtr(t.ReservedBy), nullableStringPtr(t.ReservedUntil),
		t.InvitedNow, nullableStringPtr(t.NextWaveAt), nullableStringPtr(t.SubmissionJSON),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID, want)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	OwnerID  string
	ExpertID string
	Subject  string
	Status   string
	Limit    int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.ExpertID != "" {
		clauses = append(clauses, "expert_id=?")
		args = append(args, f.ExpertID)
	}
	if f.Subject != "" {
		clauses = append(clauses, "subject=?")
		args = append(args, f.Subject)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDueReservations returns ids of tasks whose reservation has expired at
// or before now. The actual release still happens through a per-task
// transaction so a concurrent confirm can win the race cleanly.
func (r Repo) ListDueReservations(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE status=? AND reserved_until<=?`,
		domain.TaskReserved, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListDueWaves returns ids of open tasks whose next wave is due.
func (r Repo) ListDueWaves(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE status=? AND next_wave_at IS NOT NULL AND next_wave_at<=?`,
		domain.TaskOpen, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

// CountActiveReservationsTx counts reservations currently held by an expert.
// It must run inside the same transaction as the reservation attempt so two
// concurrent attempts cannot both observe a count below the limit.
func (r Repo) CountActiveReservationsTx(ctx context.Context, tx *sql.Tx, expertID string, now time.Time) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status=? AND reserved_by=? AND reserved_until>?`,
		domain.TaskReserved, expertID, now.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- experts ---

const expertColumns = `id,display_name,subjects_json,min_price,max_price,level,rating_avg,rating_count,accept_rate,median_response_mins,completed_by_subject_json,created_at,updated_at`

func (r Repo) UpsertExpert(ctx context.Context, x domain.Expert) error {
	subjects, err := json.Marshal(x.Subjects)
	if err != nil {
		return err
	}
	completed := x.CompletedBySubject
	if completed == nil {
		completed = map[string]int{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO experts(`+expertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, subjects_json=excluded.subjects_json,
min_price=excluded.min_price, max_price=excluded.max_price, level=excluded.level,
rating_avg=excluded.rating_avg, rating_count=excluded.rating_count, accept_rate=excluded.accept_rate,
median_response_mins=excluded.median_response_mins, completed_by_subject_json=excluded.completed_by_subject_json,
updated_at=excluded.updated_at`,
		x.ID, x.DisplayName, string(subjects), x.MinPrice, x.MaxPrice, nullable(x.Level),
		x.RatingAvg, x.RatingCount, x.AcceptRate, x.MedianResponseMins, string(completedJSON),
		x.CreatedAt, x.UpdatedAt)
	return err
}

func scanExpert(scan func(dest ...any) error) (domain.Expert, error) {
	var x domain.Expert
	var subjectsJSON, completedJSON string
	var level sql.NullString
	err := scan(&x.ID, &x.DisplayName, &subjectsJSON, &x.MinPrice, &x.MaxPrice, &level,
		&x.RatingAvg, &x.RatingCount, &x.AcceptRate, &x.MedianResponseMins, &completedJSON,
		&x.CreatedAt, &x.UpdatedAt)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	if level.Valid {
		x.Level = level.String
	}
	if err := json.Unmarshal([]byte(subjectsJSON), &x.Subjects); err != nil {
		return x, fmt.Errorf("expert %s subjects: %w", x.ID, err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &x.CompletedBySubject); err != nil {
		return x, fmt.Errorf("expert %s completed counts: %w", x.ID, err)
	}
	return x, nil
}

func (r Repo) GetExpert(ctx context.Context, id string) (domain.Expert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+expertColumns+` FROM experts WHERE id=?`, id)
	return scanExpert(row.Scan)
}

func (r Repo) ListExperts(ctx context.Context) ([]domain.Expert, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+expertColumns+` FROM experts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expert
	for rows.Next() {
		x, err := scanExpert(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

// ListEligibleExperts returns experts serving the subject and clearing the
// rating thresholds. Subject membership is checked in Go since subjects are
// stored as a JSON array.
func (r Repo) ListEligibleExperts(ctx context.Context, subject string, minRatingAvg float64, minRatingCount int) ([]domain.Expert, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+expertColumns+` FROM experts WHERE rating_avg>=? AND rating_count>=? ORDER BY id ASC`,
		minRatingAvg, minRatingCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expert
	for rows.Next() {
		x, err := scanExpert(rows.Scan)
		if err != nil {
			return nil, err
		}
		for _, s := range x.Subjects {
			if s == subject {
				res = append(res, x)
				break
			}
		}
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
