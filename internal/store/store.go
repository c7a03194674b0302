package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/scribe/internal/events"
	"github.com/MikeSquared-Agency/scribe/internal/message"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_events (
		event_id        TEXT PRIMARY KEY,
		turn_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		source          TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		timestamp       TIMESTAMPTZ NOT NULL,
		metadata        JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS chat_events_turn_idx ON chat_events (turn_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		turn_id         TEXT NOT NULL DEFAULT '',
		role            TEXT NOT NULL,
		text            TEXT NOT NULL DEFAULT '',
		intent          TEXT NOT NULL DEFAULT '',
		payloads        JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL,
		archived_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_conversation_idx ON chat_messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS turn_metrics (
		conversation_id       TEXT NOT NULL,
		metric_date           DATE NOT NULL,
		turns_completed       INT NOT NULL DEFAULT 0,
		turns_failed          INT NOT NULL DEFAULT 0,
		soft_errors           INT NOT NULL DEFAULT 0,
		conversations_created INT NOT NULL DEFAULT 0,
		total_frames          BIGINT NOT NULL DEFAULT 0,
		total_duration_ms     BIGINT NOT NULL DEFAULT 0,
		max_duration_ms       BIGINT NOT NULL DEFAULT 0,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (conversation_id, metric_date)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_drafts (
		session_id TEXT PRIMARY KEY,
		text       TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// InsertEvents batch-inserts lifecycle events into chat_events.
func (s *Store) InsertEvents(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	rows := make([][]any, len(evts))
	for i, e := range evts {
		rows[i] = []any{e.EventID, e.TurnID, e.ConversationID, e.Source, e.EventType, e.Timestamp, e.Metadata}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"chat_events"},
		[]string{"event_id", "turn_id", "conversation_id", "source", "event_type", "timestamp", "metadata"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	slog.Debug("inserted events", "count", len(evts))
	return nil
}

// QueryEvents returns the events of a turn in order.
func (s *Store) QueryEvents(ctx context.Context, turnID string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, turn_id, conversation_id, source, event_type, timestamp, metadata FROM chat_events WHERE turn_id = $1 ORDER BY timestamp`,
		turnID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		var (
			eid, tid, cid, src, etype string
			ts                        time.Time
			meta                      json.RawMessage
		)
		if err := rows.Scan(&eid, &tid, &cid, &src, &etype, &ts, &meta); err != nil {
			return nil, err
		}
		results = append(results, map[string]any{
			"event_id":        eid,
			"turn_id":         tid,
			"conversation_id": cid,
			"source":          src,
			"event_type":      etype,
			"timestamp":       ts,
			"metadata":        meta,
		})
	}
	return results, rows.Err()
}

// ArchiveMessages upserts finalized messages. Re-archiving a message replaces its content.
func (s *Store) ArchiveMessages(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		payloads := m.Payloads
		if payloads == nil {
			payloads = map[message.Slot]json.RawMessage{}
		}
		raw, err := json.Marshal(payloads)
		if err != nil {
			return fmt.Errorf("marshal payloads of %s: %w", m.ID, err)
		}
		batch.Queue(`
			INSERT INTO chat_messages (id, conversation_id, turn_id, role, text, intent, payloads, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				conversation_id = EXCLUDED.conversation_id,
				text = EXCLUDED.text,
				intent = EXCLUDED.intent,
				payloads = EXCLUDED.payloads,
				archived_at = now()
		`, m.ID, m.ConversationID, m.TurnID, string(m.Role), m.Text, m.Intent, raw, m.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range msgs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archive message: %w", err)
		}
	}
	return nil
}

// ListMessages returns the archived messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	q := `SELECT id, conversation_id, turn_id, role, text, intent, payloads, created_at
		FROM chat_messages WHERE conversation_id = $1 ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []message.Message
	for rows.Next() {
		var (
			m        message.Message
			role     string
			payloads []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TurnID, &role, &m.Text, &m.Intent, &payloads, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = message.Role(role)
		if len(payloads) > 0 {
			if err := json.Unmarshal(payloads, &m.Payloads); err != nil {
				return nil, fmt.Errorf("decode payloads of %s: %w", m.ID, err)
			}
			if len(m.Payloads) == 0 {
				m.Payloads = nil
			}
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// UpsertTurnMetric updates the daily counters of a conversation.
func (s *Store) UpsertTurnMetric(ctx context.Context, conversationID string, date time.Time, updates map[string]any) error {
	d := date.Format("2006-01-02")

	// Ensure row exists.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turn_metrics (conversation_id, metric_date)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id, metric_date) DO NOTHING
	`, conversationID, d)
	if err != nil {
		return fmt.Errorf("ensure turn_metrics row: %w", err)
	}

	for field, value := range updates {
		var q string
		switch field {
		case "inc_completed":
			q = `UPDATE turn_metrics SET turns_completed = turns_completed + 1, updated_at = now() WHERE conversation_id = $1 AND metric_date = $2`
			if _, err := s.pool.Exec(ctx, q, conversationID, d); err != nil {
				return fmt.Errorf("inc completed: %w", err)
			}
			continue
		case "inc_failed":
			q = `UPDATE turn_metrics SET turns_failed = turns_failed + 1, updated_at = now() WHERE conversation_id = $1 AND metric_date = $2`
			if _, err := s.pool.Exec(ctx, q, conversationID, d); err != nil {
				return fmt.Errorf("inc failed: %w", err)
			}
			continue
		case "inc_created":
			q = `UPDATE turn_metrics SET conversations_created = conversations_created + 1, updated_at = now() WHERE conversation_id = $1 AND metric_date = $2`
			if _, err := s.pool.Exec(ctx, q, conversationID, d); err != nil {
				return fmt.Errorf("inc created: %w", err)
			}
			continue
		case "soft_errors":
			q = `UPDATE turn_metrics SET soft_errors = soft_errors + $3, updated_at = now() WHERE conversation_id = $1 AND metric_date = $2`
		case "frames":
			q = `UPDATE turn_metrics SET total_frames = total_frames + $3, updated_at = now() WHERE conversation_id = $1 AND metric_date = $2`
		case "duration_ms":
			q = `UPDATE turn_metrics SET total_duration_ms = total_duration_ms + $3, max_duration_ms = GREATEST(max_duration_ms, $3), updated_at = now() WHERE conversation_id = $1 AND metric_date = $2`
		default:
			continue
		}
		if _, err := s.pool.Exec(ctx, q, conversationID, d, value); err != nil {
			return fmt.Errorf("update metric %s: %w", field, err)
		}
	}

	return nil
}

// GetTurnMetrics returns the latest metrics row for a conversation.
func (s *Store) GetTurnMetrics(ctx context.Context, conversationID string) (map[string]any, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT conversation_id, metric_date, turns_completed, turns_failed, soft_errors,
		       conversations_created, total_frames, total_duration_ms, max_duration_ms
		FROM turn_metrics
		WHERE conversation_id = $1
		ORDER BY metric_date DESC
		LIMIT 1
	`, conversationID)

	var (
		cid                                  string
		mdate                                time.Time
		completed, failed, softErrs, created int
		frames, totalD, maxD                 int64
	)
	if err := row.Scan(&cid, &mdate, &completed, &failed, &softErrs, &created, &frames, &totalD, &maxD); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var avgD int64
	if completed > 0 {
		avgD = totalD / int64(completed)
	}
	return map[string]any{
		"conversation_id":       cid,
		"metric_date":           mdate.Format("2006-01-02"),
		"turns_completed":       completed,
		"turns_failed":          failed,
		"soft_errors":           softErrs,
		"conversations_created": created,
		"total_frames":          frames,
		"avg_duration_ms":       avgD,
		"max_duration_ms":       maxD,
	}, nil
}

// SaveDraft stores the unsent input of a session, replacing any previous draft.
func (s *Store) SaveDraft(ctx context.Context, sessionID, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_drafts (session_id, text) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET text = EXCLUDED.text, updated_at = now()
	`, sessionID, text)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// GetDraft returns the stored draft of a session, or ErrNotFound.
func (s *Store) GetDraft(ctx context.Context, sessionID string) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT text FROM chat_drafts WHERE session_id = $1`, sessionID).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get draft: %w", err)
	}
	return text, nil
}

func (s *Store) ClearDraft(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_drafts WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}
