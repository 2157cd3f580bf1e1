package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"parley/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

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

// --- identities ---

func (r Repo) InsertIdentity(ctx context.Context, id domain.Identity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO identities(id,role,display_name,created_at) VALUES (?,?,?,?)`,
		id.ID, id.Role, id.DisplayName, id.CreatedAt)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, id string) (domain.Identity, error) {
	var ident domain.Identity
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,display_name,created_at FROM identities WHERE id=?`, id).
		Scan(&ident.ID, &ident.Role, &ident.DisplayName, &ident.CreatedAt)
	if err == sql.ErrNoRows {
		return ident, ErrNotFound
	}
	return ident, err
}

func (r Repo) GetIdentityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Identity, error) {
	var ident domain.Identity
	err := tx.QueryRowContext(ctx, `SELECT id,role,display_name,created_at FROM identities WHERE id=?`, id).
		Scan(&ident.ID, &ident.Role, &ident.DisplayName, &ident.CreatedAt)
	if err == sql.ErrNoRows {
		return ident, ErrNotFound
	}
	return ident, err
}

func (r Repo) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,display_name,created_at FROM identities ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		var ident domain.Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.DisplayName, &ident.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ident)
	}
	return res, rows.Err()
}

// --- threads ---

func scanThread(scan func(...any) error) (domain.Thread, error) {
	var t domain.Thread
	var engagementID sql.NullString
	err := scan(&t.ID, &engagementID, &t.Closed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if engagementID.Valid {
		t.EngagementID = &engagementID.String
	}
	return t, nil
}

func (r Repo) InsertThreadTx(ctx context.Context, tx *sql.Tx, t domain.Thread) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO threads(id,engagement_id,closed,created_at) VALUES (?,?,?,?)`,
		t.ID, nullableStringPtr(t.EngagementID), t.Closed, t.CreatedAt)
	return err
}

func (r Repo) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	return scanThread(r.DB.QueryRowContext(ctx, `SELECT id,engagement_id,closed,created_at FROM threads WHERE id=?`, id).Scan)
}

func (r Repo) GetThreadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Thread, error) {
	return scanThread(tx.QueryRowContext(ctx, `SELECT id,engagement_id,closed,created_at FROM threads WHERE id=?`, id).Scan)
}

// BindEngagementTx links a thread to an engagement. The binding is
// one-time: the guarded UPDATE only matches an unbound row, so a second
// bind loses the race and reports false.
func (r Repo) BindEngagementTx(ctx context.Context, tx *sql.Tx, threadID, engagementID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE threads SET engagement_id=? WHERE id=? AND engagement_id IS NULL`, engagementID, threadID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CloseThreadTx marks a thread closed. Returns true when this call did
// the closing; false means the thread was already closed.
func (r Repo) CloseThreadTx(ctx context.Context, tx *sql.Tx, threadID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE threads SET closed=1 WHERE id=? AND closed=0`, threadID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) InsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO thread_participants(thread_id,identity_id,role,joined_at) VALUES (?,?,?,?)`,
		p.ThreadID, p.IdentityID, p.Role, p.JoinedAt)
	return err
}

func (r Repo) ListParticipants(ctx context.Context, threadID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT thread_id,identity_id,role,joined_at FROM thread_participants WHERE thread_id=? ORDER BY joined_at ASC, identity_id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ThreadID, &p.IdentityID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) IsParticipant(ctx context.Context, threadID, identityID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM thread_participants WHERE thread_id=? AND identity_id=?`, threadID, identityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) IsParticipantTx(ctx context.Context, tx *sql.Tx, threadID, identityID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM thread_participants WHERE thread_id=? AND identity_id=?`, threadID, identityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) CountParticipantsTx(ctx context.Context, tx *sql.Tx, threadID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM thread_participants WHERE thread_id=?`, threadID).Scan(&n)
	return n, err
}

// ListThreadsFor returns the threads an identity participates in,
// most recently active first (threads without messages sort by
// creation time).
func (r Repo) ListThreadsFor(ctx context.Context, identityID string) ([]domain.ThreadSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT t.id, t.engagement_id, t.closed, t.created_at,
       (SELECT MAX(m.created_at) FROM messages m WHERE m.thread_id=t.id) AS last_message_at
FROM threads t
JOIN thread_participants tp ON tp.thread_id=t.id
WHERE tp.identity_id=?
ORDER BY COALESCE(last_message_at, t.created_at) DESC, t.id DESC`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ThreadSummary
	for rows.Next() {
		var s domain.ThreadSummary
		var engagementID, lastMessageAt sql.NullString
		if err := rows.Scan(&s.Thread.ID, &engagementID, &s.Thread.Closed, &s.Thread.CreatedAt, &lastMessageAt); err != nil {
			return nil, err
		}
		if engagementID.Valid {
			s.Thread.EngagementID = &engagementID.String
		}
		if lastMessageAt.Valid {
			s.LastMessageAt = &lastMessageAt.String
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		parts, err := r.ListParticipants(ctx, res[i].Thread.ID)
		if err != nil {
			return nil, err
		}
		res[i].Participants = parts
	}
	return res, nil
}

// --- messages ---

// NextSeqTx reserves the next per-thread sequence number. Callers must
// hold a write transaction so two appends cannot read the same max.
func (r Repo) NextSeqTx(ctx context.Context, tx *sql.Tx, threadID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE thread_id=?`, threadID).Scan(&seq)
	return seq, err
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,thread_id,sender_id,content,seq,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ThreadID, m.SenderID, m.Content, m.Seq, m.CreatedAt)
	return err
}

// ListMessages returns messages with seq greater than afterSeq in
// ascending order. afterSeq of zero starts from the beginning.
func (r Repo) ListMessages(ctx context.Context, threadID string, afterSeq int64, limit int) ([]domain.Message, error) {
	query := `SELECT id,thread_id,sender_id,content,seq,created_at FROM messages WHERE thread_id=? AND seq>? ORDER BY seq ASC`
	args := []any{threadID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// LatestMessages returns the newest limit messages of a thread in
// ascending seq order, for backlog replay.
func (r Repo) LatestMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,thread_id,sender_id,content,seq,created_at FROM messages WHERE thread_id=? ORDER BY seq DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// --- engagements ---

func scanEngagement(scan func(...any) error) (domain.Engagement, error) {
	var e domain.Engagement
	var listingRef, startedAt, completedAt, finalizedAt, cancelledAt, cancelReason sql.NullString
	err := scan(&e.ID, &e.RequesterID, &e.ProviderID, &e.InitiatorID, &listingRef, &e.ThreadID, &e.Status,
		&e.CreatedAt, &e.UpdatedAt, &startedAt, &completedAt, &finalizedAt, &cancelledAt, &cancelReason)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if listingRef.Valid {
		e.ListingRef = &listingRef.String
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	if finalizedAt.Valid {
		e.FinalizedAt = &finalizedAt.String
	}
	if cancelledAt.Valid {
		e.CancelledAt = &cancelledAt.String
	}
	if cancelReason.Valid {
		e.CancelReason = &cancelReason.String
	}
	return e, nil
}

const engagementColumns = `id,requester_id,provider_id,initiator_id,listing_ref,thread_id,status,created_at,updated_at,started_at,completed_at,finalized_at,cancelled_at,cancel_reason`

func (r Repo) InsertEngagementTx(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO engagements(`+engagementColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RequesterID, e.ProviderID, e.InitiatorID, nullableStringPtr(e.ListingRef), e.ThreadID, e.Status,
		e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.StartedAt), nullableStringPtr(e.CompletedAt),
		nullableStringPtr(e.FinalizedAt), nullableStringPtr(e.CancelledAt), nullableStringPtr(e.CancelReason))
	return err
}

func (r Repo) GetEngagement(ctx context.Context, id string) (domain.Engagement, error) {
	return scanEngagement(r.DB.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id=?`, id).Scan)
}

func (r Repo) GetEngagementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Engagement, error) {
	return scanEngagement(tx.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id=?`, id).Scan)
}

// UpdateEngagementStatusTx writes the transitioned engagement guarded
// by the status it was read at. Zero rows affected means another writer
// transitioned the row first; the caller re-reads and reports the
// transition conflict.
func (r Repo) UpdateEngagementStatusTx(ctx context.Context, tx *sql.Tx, e domain.Engagement, from domain.EngagementStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE engagements SET status=?, updated_at=?, started_at=?, completed_at=?, finalized_at=?, cancelled_at=?, cancel_reason=? WHERE id=? AND status=?`,
		e.Status, e.UpdatedAt, nullableStringPtr(e.StartedAt), nullableStringPtr(e.CompletedAt),
		nullableStringPtr(e.FinalizedAt), nullableStringPtr(e.CancelledAt), nullableStringPtr(e.CancelReason),
		e.ID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type EngagementFilters struct {
	IdentityID      string
	Role            string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEngagements(ctx context.Context, f EngagementFilters) ([]domain.Engagement, error) {
	var clauses []string
	var args []any
	if f.IdentityID != "" {
		switch f.Role {
		case "requester":
			clauses = append(clauses, "requester_id=?")
			args = append(args, f.IdentityID)
		case "provider":
			clauses = append(clauses, "provider_id=?")
			args = append(args, f.IdentityID)
		default:
			clauses = append(clauses, "(requester_id=? OR provider_id=?)")
			args = append(args, f.IdentityID, f.IdentityID)
		}
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + engagementColumns + ` FROM engagements ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Engagement
	for rows.Next() {
		e, err := scanEngagement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- events ---

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
