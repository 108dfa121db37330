// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresRepository is the concrete, deployable Repository: every
// call acquires a connection from a pool the way the teacher's
// database handlers acquire from cfg.DBPool, runs one statement, and
// releases it. Schema assumed:
//
//	sessions(id bigserial pk, user_id text, title text, created_at timestamptz,
//	         updated_at timestamptz, current_stage text, last_message_type text,
//	         conversation_summary text null, last_summary_at timestamptz null)
//	messages(id bigserial pk, session_id bigint fk, sender text, content text,
//	         message_type text, parent_id bigint null, request_id text,
//	         created_at timestamptz)
type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an already-connected pool.
func NewPostgresRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

// Connect opens a pool against connStr, the repository URL from
// process configuration.
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("session: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: ping postgres: %w", err)
	}
	return pool, nil
}

func (r *postgresRepository) CreateSession(ctx context.Context, userID, initialQuestion string) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	var id int64
	title := truncateTitle(initialQuestion)
	err = conn.QueryRow(ctx,
		`INSERT INTO sessions (user_id, title, created_at, updated_at, current_stage)
		 VALUES ($1, $2, now(), now(), $3) RETURNING id`,
		userID, title, StageInitial,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("session: create: %w", err)
	}
	return id, nil
}

func (r *postgresRepository) ownerOf(ctx context.Context, sessionID int64) (string, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	var owner string
	err = conn.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("session: lookup owner: %w", err)
	}
	return owner, nil
}

func (r *postgresRepository) checkOwnership(ctx context.Context, sessionID int64, userID string) error {
	if userID == "" {
		return nil
	}
	owner, err := r.ownerOf(ctx, sessionID)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}
	return nil
}

func (r *postgresRepository) SaveUserMessage(ctx context.Context, sessionID int64, userID, content string, msgType MessageType, parentID *int64, requestID string) (int64, error) {
	if err := r.checkOwnership(ctx, sessionID, userID); err != nil {
		return 0, err
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	var id int64
	err = conn.QueryRow(ctx,
		`INSERT INTO messages (session_id, sender, content, message_type, parent_id, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now()) RETURNING id`,
		sessionID, SenderUser, content, msgType, parentID, requestID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("session: save user message: %w", err)
	}
	return id, nil
}

func (r *postgresRepository) SaveMaiceMessage(ctx context.Context, sessionID int64, userID, content string, msgType MessageType, parentID *int64, requestID string) (int64, error) {
	if err := r.checkOwnership(ctx, sessionID, userID); err != nil {
		return 0, err
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	if msgType != TypeMaiceClarificationAsk {
		var dupID int64
		err := conn.QueryRow(ctx,
			`SELECT id FROM messages
			 WHERE session_id = $1 AND sender = $2 AND content = $3 AND message_type = $4
			   AND created_at > now() - ($5 || ' seconds')::interval
			 ORDER BY created_at DESC LIMIT 1`,
			sessionID, SenderMaice, content, msgType, int(DuplicateSuppressionWindow.Seconds()),
		).Scan(&dupID)
		if err == nil {
			return dupID, nil
		}
		if err != pgx.ErrNoRows {
			return 0, fmt.Errorf("session: dedup lookup: %w", err)
		}
	}

	var id int64
	err = conn.QueryRow(ctx,
		`INSERT INTO messages (session_id, sender, content, message_type, parent_id, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now()) RETURNING id`,
		sessionID, SenderMaice, content, msgType, parentID, requestID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("session: save maice message: %w", err)
	}
	return id, nil
}

func (r *postgresRepository) queryVisibleMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	visible := make([]string, 0, len(visibleTypes))
	for t := range visibleTypes {
		visible = append(visible, string(t))
	}

	query := `SELECT id, session_id, sender, content, message_type, parent_id, request_id, created_at
	          FROM messages WHERE session_id = $1 AND message_type = ANY($2) ORDER BY created_at ASC`
	args := []any{sessionID, visible}
	if limit > 0 {
		query = `SELECT * FROM (` + query + `) t ORDER BY created_at DESC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.MessageType, &m.ParentID, &m.RequestID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("session: rows: %w", rows.Err())
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (r *postgresRepository) GetConversationHistory(ctx context.Context, sessionID int64, userID string) ([]Message, error) {
	if err := r.checkOwnership(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return r.queryVisibleMessages(ctx, sessionID, 0)
}

func (r *postgresRepository) GetRecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	return r.queryVisibleMessages(ctx, sessionID, limit)
}

func (r *postgresRepository) UpdateSessionState(ctx context.Context, sessionID int64, update SessionStateUpdate) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	if update.CurrentStage != nil {
		if _, err := conn.Exec(ctx, `UPDATE sessions SET current_stage = $1, updated_at = now() WHERE id = $2`, *update.CurrentStage, sessionID); err != nil {
			return fmt.Errorf("session: update stage: %w", err)
		}
	}
	if update.LastMessageType != nil {
		if _, err := conn.Exec(ctx, `UPDATE sessions SET last_message_type = $1, updated_at = now() WHERE id = $2`, *update.LastMessageType, sessionID); err != nil {
			return fmt.Errorf("session: update last_message_type: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) SaveSummary(ctx context.Context, sessionID int64, userID, originalQuestion, summary, requestID string) error {
	if err := r.checkOwnership(ctx, sessionID, userID); err != nil {
		return err
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`UPDATE sessions SET conversation_summary = $1, last_summary_at = now(), updated_at = now() WHERE id = $2`,
		summary, sessionID)
	if err != nil {
		return fmt.Errorf("session: save summary: %w", err)
	}
	return nil
}

func (r *postgresRepository) UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `UPDATE sessions SET title = $1, updated_at = now() WHERE id = $2`, title, sessionID)
	if err != nil {
		return fmt.Errorf("session: update title: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: acquire: %w", err)
	}
	defer conn.Release()

	var s Session
	err = conn.QueryRow(ctx,
		`SELECT id, user_id, title, created_at, updated_at, current_stage, last_message_type,
		        conversation_summary, last_summary_at FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt, &s.CurrentStage, &s.LastMessageType,
		&s.ConversationSummary, &s.LastSummaryAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: get: %w", err)
	}
	return &s, nil
}
