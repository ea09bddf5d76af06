package repo

import (
	"context"
	"database/sql"
	"time"

	"taskmatch/internal/domain"
)

const inviteColumns = `id,task_id,expert_id,sent_at,responded_at,status,last_score`

func (r Repo) InsertInviteTx(ctx context.Context, tx *sql.Tx, inv domain.Invite) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invites(`+inviteColumns+`) VALUES (?,?,?,?,?,?,?)`,
		inv.ID, inv.TaskID, inv.ExpertID, inv.SentAt, nullableStringPtr(inv.RespondedAt), inv.Status, inv.LastScore)
	return err
}

func scanInvite(scan func(dest ...any) error) (domain.Invite, error) {
	var inv domain.Invite
	var responded sql.NullString
	err := scan(&inv.ID, &inv.TaskID, &inv.ExpertID, &inv.SentAt, &responded, &inv.Status, &inv.LastScore)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	if responded.Valid {
		inv.RespondedAt = &responded.String
	}
	return inv, nil
}

func (r Repo) GetInvite(ctx context.Context, id string) (domain.Invite, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id=?`, id)
	return scanInvite(row.Scan)
}

func (r Repo) listInvites(ctx context.Context, query string, args ...any) ([]domain.Invite, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invite
	for rows.Next() {
		inv, err := scanInvite(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func (r Repo) ListInvitesByTask(ctx context.Context, taskID string) ([]domain.Invite, error) {
	return r.listInvites(ctx, `SELECT `+inviteColumns+` FROM invites WHERE task_id=? ORDER BY sent_at ASC, id ASC`, taskID)
}

func (r Repo) ListInvitesByExpert(ctx context.Context, expertID, status string) ([]domain.Invite, error) {
	if status != "" {
		return r.listInvites(ctx, `SELECT `+inviteColumns+` FROM invites WHERE expert_id=? AND status=? ORDER BY sent_at DESC, id DESC`, expertID, status)
	}
	return r.listInvites(ctx, `SELECT `+inviteColumns+` FROM invites WHERE expert_id=? ORDER BY sent_at DESC, id DESC`, expertID)
}

// UpdateInviteResponseTx records an expert's response on an invite.
func (r Repo) UpdateInviteResponseTx(ctx context.Context, tx *sql.Tx, id, status string, respondedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE invites SET status=?, responded_at=? WHERE id=? AND status=?`,
		status, respondedAt.UTC().Format(time.RFC3339), id, domain.InviteSent)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExcludedExpertIDs returns experts that must not receive a fresh invite
// for the task: anyone with a pending or accepted invite, plus anyone who
// declined within the cool-down window ending at now.
func (r Repo) ExcludedExpertIDs(ctx context.Context, taskID string, now time.Time, cooldown time.Duration) (map[string]bool, error) {
	invites, err := r.ListInvitesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]bool, len(invites))
	for _, inv := range invites {
		switch inv.Status {
		case domain.InviteSent, domain.InviteAccepted:
			excluded[inv.ExpertID] = true
		case domain.InviteDeclined:
			if inv.RespondedAt == nil {
				excluded[inv.ExpertID] = true
				continue
			}
			responded, err := time.Parse(time.RFC3339, *inv.RespondedAt)
			if err != nil || now.Sub(responded) < cooldown {
				excluded[inv.ExpertID] = true
			}
		}
	}
	return excluded, nil
}
