package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database at dsn and verifies the connection.
// Schema migrations are applied separately with Migrate.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *Postgres) CreateMessage(ctx context.Context, msg *Message) error {
	const query = `
		INSERT INTO chat_messages (id, session_id, author_id, author_name, text, created_at, is_private, recipient_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.AuthorID,
		msg.AuthorName,
		msg.Text,
		msg.CreatedAt,
		msg.IsPrivate,
		nullString(msg.RecipientID),
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, author_id, author_name, text, created_at,
	is_private, recipient_id, is_deleted, deleted_by, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m         Message
		recipient sql.NullString
		deletedBy sql.NullString
		deletedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.AuthorID, &m.AuthorName, &m.Text, &m.CreatedAt,
		&m.IsPrivate, &recipient, &m.IsDeleted, &deletedBy, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.RecipientID = recipient.String
	m.DeletedBy = deletedBy.String
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	m.Reactions = make(map[string]int)
	return &m, nil
}

func (p *Postgres) GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = $1 AND id = $2`

	m, err := scanMessage(p.db.QueryRowContext(ctx, query, sessionID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}

	if err := p.attachReactions(ctx, []*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Postgres) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	var (
		where = []string{"session_id = $1"}
		args  = []any{q.SessionID}
	)
	if !q.IncludeDeleted {
		where = append(where, "NOT is_deleted")
	}
	if !q.IncludePrivate {
		if q.ViewerID == "" {
			where = append(where, "NOT is_private")
		} else {
			args = append(args, q.ViewerID)
			n := len(args)
			where = append(where, fmt.Sprintf("(NOT is_private OR author_id = $%d OR recipient_id = $%d)", n, n))
		}
	}

	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, seq`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var ptrs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		ptrs = append(ptrs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}

	if err := p.attachReactions(ctx, ptrs); err != nil {
		return nil, err
	}

	out := make([]Message, len(ptrs))
	for i, m := range ptrs {
		out[i] = *m
	}
	return out, nil
}

// attachReactions fills the reaction projection of msgs with one query.
func (p *Postgres) attachReactions(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	const query = `
		SELECT message_id, symbol, COUNT(*)
		FROM chat_reactions
		WHERE message_id = ANY($1)
		GROUP BY message_id, symbol`

	rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: reaction counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, symbol string
			count      int
		)
		if err := rows.Scan(&id, &symbol, &count); err != nil {
			return fmt.Errorf("store: scan reaction count: %w", err)
		}
		if m := byID[id]; m != nil {
			m.Reactions[symbol] = count
		}
	}
	return rows.Err()
}

func (p *Postgres) DeleteMessage(ctx context.Context, sessionID, messageID, deletedBy string, at time.Time) error {
	const query = `
		UPDATE chat_messages
		SET is_deleted = TRUE,
		    deleted_by = COALESCE(deleted_by, $3),
		    deleted_at = COALESCE(deleted_at, $4)
		WHERE session_id = $1 AND id = $2`

	res, err := p.db.ExecContext(ctx, query, sessionID, messageID, deletedBy, at)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddReaction(ctx context.Context, r Reaction) (bool, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("store: begin reaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_messages WHERE session_id = $1 AND id = $2)`,
		r.SessionID, r.MessageID).Scan(&exists)
	if err != nil {
		return false, 0, fmt.Errorf("store: check message: %w", err)
	}
	if !exists {
		return false, 0, ErrNotFound
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_reactions (message_id, session_id, user_id, symbol, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, user_id, symbol) DO NOTHING`,
		r.MessageID, r.SessionID, r.UserID, r.Symbol, r.CreatedAt)
	if err != nil {
		return false, 0, fmt.Errorf("store: insert reaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("store: insert reaction: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_reactions WHERE message_id = $1 AND symbol = $2`,
		r.MessageID, r.Symbol).Scan(&count)
	if err != nil {
		return false, 0, fmt.Errorf("store: count reactions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("store: commit reaction: %w", err)
	}
	return inserted == 1, count, nil
}

const handColumns = `id, session_id, user_id, is_active, raised_at, lowered_at, acknowledged_by, seq`

func scanHand(row rowScanner) (*HandRaise, error) {
	var (
		h         HandRaise
		loweredAt sql.NullTime
		ackBy     sql.NullString
	)
	if err := row.Scan(&h.ID, &h.SessionID, &h.UserID, &h.IsActive, &h.RaisedAt, &loweredAt, &ackBy, &h.Seq); err != nil {
		return nil, err
	}
	if loweredAt.Valid {
		t := loweredAt.Time
		h.LoweredAt = &t
	}
	h.AcknowledgedBy = ackBy.String
	return &h, nil
}

func (p *Postgres) RaiseHand(ctx context.Context, hr *HandRaise) (*HandRaise, bool, error) {
	query := `
		INSERT INTO hand_raises (id, session_id, user_id, is_active, raised_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (session_id, user_id) WHERE is_active DO NOTHING
		RETURNING ` + handColumns

	h, err := scanHand(p.db.QueryRowContext(ctx, query, hr.ID, hr.SessionID, hr.UserID, hr.RaisedAt))
	if err == nil {
		return h, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("store: raise hand: %w", err)
	}

	existing, err := scanHand(p.db.QueryRowContext(ctx,
		`SELECT `+handColumns+` FROM hand_raises WHERE session_id = $1 AND user_id = $2 AND is_active`,
		hr.SessionID, hr.UserID))
	if err != nil {
		return nil, false, fmt.Errorf("store: load active hand: %w", err)
	}
	return existing, false, nil
}

func (p *Postgres) LowerHand(ctx context.Context, sessionID, userID, acknowledgedBy string, at time.Time) (*HandRaise, error) {
	query := `
		UPDATE hand_raises
		SET is_active = FALSE, lowered_at = $3, acknowledged_by = $4
		WHERE session_id = $1 AND user_id = $2 AND is_active
		RETURNING ` + handColumns

	h, err := scanHand(p.db.QueryRowContext(ctx, query, sessionID, userID, at, nullString(acknowledgedBy)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lower hand: %w", err)
	}
	return h, nil
}

func (p *Postgres) ActiveHands(ctx context.Context, sessionID string) ([]HandRaise, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+handColumns+` FROM hand_raises WHERE session_id = $1 AND is_active ORDER BY raised_at, seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: active hands: %w", err)
	}
	defer rows.Close()

	var out []HandRaise
	for rows.Next() {
		h, err := scanHand(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan hand: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendMute(ctx context.Context, rec *MuteRecord) error {
	const query = `
		INSERT INTO mute_records (session_id, user_id, action, muted_by, reason, muted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var expires sql.NullTime
	if rec.ExpiresAt != nil {
		expires = sql.NullTime{Time: *rec.ExpiresAt, Valid: true}
	}

	err := p.db.QueryRowContext(ctx, query,
		rec.SessionID, rec.UserID, string(rec.Action), rec.MutedBy, rec.Reason, rec.MutedAt, expires,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("store: insert mute record: %w", err)
	}
	return nil
}

func (p *Postgres) LatestMute(ctx context.Context, sessionID, userID string) (*MuteRecord, error) {
	const query = `
		SELECT id, session_id, user_id, action, muted_by, reason, muted_at, expires_at
		FROM mute_records
		WHERE session_id = $1 AND user_id = $2
		ORDER BY id DESC
		LIMIT 1`

	var (
		rec     MuteRecord
		action  string
		expires sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, sessionID, userID).Scan(
		&rec.ID, &rec.SessionID, &rec.UserID, &action, &rec.MutedBy, &rec.Reason, &rec.MutedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest mute: %w", err)
	}
	rec.Action = MuteAction(action)
	if expires.Valid {
		t := expires.Time
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func (p *Postgres) AppendStrike(ctx context.Context, s Strike) error {
	const query = `
		INSERT INTO profanity_strikes (session_id, user_id, message_id, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := p.db.ExecContext(ctx, query, s.SessionID, s.UserID, s.MessageID, s.CreatedAt); err != nil {
		return fmt.Errorf("store: insert strike: %w", err)
	}
	return nil
}

func (p *Postgres) StrikesSince(ctx context.Context, sessionID, userID string, since time.Time) ([]time.Time, error) {
	const query = `
		SELECT created_at
		FROM profanity_strikes
		WHERE session_id = $1 AND user_id = $2 AND created_at >= $3
		ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, sessionID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("store: strikes since: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("store: scan strike: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
