package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chimein/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.MessageStore and domain.EnrichmentCache using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ domain.MessageStore    = (*SQLiteStore)(nil)
	_ domain.EnrichmentCache = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// --- messages ---

func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ChannelID == "" {
		return fmt.Errorf("upsert message: id and channel id are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	enrichment, err := encodeEnrichment(msg.Enrichment)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, id, author_id, author_name, body, created_at, is_agent, reply_to_id, enrichment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, id) DO UPDATE SET
			author_id   = excluded.author_id,
			author_name = excluded.author_name,
			body        = excluded.body,
			is_agent    = excluded.is_agent,
			reply_to_id = excluded.reply_to_id,
			enrichment  = COALESCE(excluded.enrichment, messages.enrichment)`,
		msg.ChannelID, msg.ID, msg.AuthorID, msg.AuthorName, msg.Body,
		msg.CreatedAt.UnixMilli(), boolInt(msg.IsAgent), msg.ReplyToID, enrichment,
	)
	return err
}

func (s *SQLiteStore) AttachEnrichment(ctx context.Context, channelID, messageID string, e domain.Enrichment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET enrichment = ? WHERE channel_id = ? AND id = ?`,
		string(data), channelID, messageID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s/%s: %w", channelID, messageID, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, channelID, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel_id, id, author_id, author_name, body, created_at, is_agent, reply_to_id, enrichment
		 FROM messages WHERE channel_id = ? AND id = ?`, channelID, messageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, id, author_id, author_name, body, created_at, is_agent, reply_to_id, enrichment
		 FROM messages WHERE channel_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// PruneMessages deletes messages older than the cutoff and returns how many were removed.
func (s *SQLiteStore) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*domain.Message, error) {
	var (
		m          domain.Message
		createdAt  int64
		isAgent    int
		enrichment sql.NullString
	)
	if err := r.Scan(&m.ChannelID, &m.ID, &m.AuthorID, &m.AuthorName, &m.Body,
		&createdAt, &isAgent, &m.ReplyToID, &enrichment); err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	m.IsAgent = isAgent != 0
	if enrichment.Valid && enrichment.String != "" {
		var e domain.Enrichment
		if err := json.Unmarshal([]byte(enrichment.String), &e); err != nil {
			return nil, fmt.Errorf("decode enrichment for %s: %w", m.ID, err)
		}
		m.Enrichment = &e
	}
	return &m, nil
}

// encodeEnrichment returns nil (SQL NULL) for empty enrichment so upserts keep prior values.
func encodeEnrichment(e *domain.Enrichment) (any, error) {
	if e.Empty() {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// --- decisions and responses ---

func (s *SQLiteStore) LogDecision(ctx context.Context, d domain.Decision) (int64, error) {
	if d.EvaluatedAt.IsZero() {
		d.EvaluatedAt = s.now()
	}
	ids, err := json.Marshal(nonNil(d.EvaluatedMessageIDs))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (channel_id, evaluated_at, message_count, should_respond, target_message_id,
			reason, evaluated_ids, dominance_ratio, failed, sent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ChannelID, d.EvaluatedAt.UnixMilli(), d.MessageCount, boolInt(d.ShouldRespond), d.TargetMessageID,
		d.Reason, string(ids), d.DominanceRatio, boolInt(d.Failed), boolInt(d.Sent),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) MarkDecisionSent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE decisions SET sent = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RecentDecisions lists decisions newest first; an empty channelID lists all channels.
func (s *SQLiteStore) RecentDecisions(ctx context.Context, channelID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, channel_id, evaluated_at, message_count, should_respond, target_message_id,
			reason, evaluated_ids, dominance_ratio, failed, sent
		 FROM decisions`
	args := []any{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		var (
			d                     domain.Decision
			evaluatedAt           int64
			respond, failed, sent int
			ids                   string
		)
		if err := rows.Scan(&d.ID, &d.ChannelID, &evaluatedAt, &d.MessageCount, &respond, &d.TargetMessageID,
			&d.Reason, &ids, &d.DominanceRatio, &failed, &sent); err != nil {
			return nil, err
		}
		d.EvaluatedAt = time.UnixMilli(evaluatedAt)
		d.ShouldRespond = respond != 0
		d.Failed = failed != 0
		d.Sent = sent != 0
		if err := json.Unmarshal([]byte(ids), &d.EvaluatedMessageIDs); err != nil {
			s.logger.Warn("corrupt evaluated_ids", "decision_id", d.ID, "err", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LogResponse(ctx context.Context, r domain.ResponseRecord) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	attempts, err := json.Marshal(nonNil(r.ToolAttempts))
	if err != nil {
		return 0, err
	}
	var decisionID any
	if r.DecisionID != 0 {
		decisionID = r.DecisionID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (channel_id, message_id, job_kind, decision_id, trigger_id, body,
			tool_attempts, oracle_calls, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ChannelID, r.MessageID, string(r.JobKind), decisionID, r.TriggerID, r.Body,
		string(attempts), r.OracleCalls, r.LatencyMs, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- enrichment cache ---

func (s *SQLiteStore) LookupEnrichment(ctx context.Context, kind, key string) (*domain.CachedEnrichment, error) {
	var v domain.CachedEnrichment
	err := s.db.QueryRowContext(ctx,
		`SELECT value, error FROM enrichment_cache WHERE kind = ? AND key = ? AND expires_at > ?`,
		kind, key, s.now().UnixMilli(),
	).Scan(&v.Value, &v.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) StoreEnrichment(ctx context.Context, kind, key string, v domain.CachedEnrichment, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_cache (kind, key, value, error, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET value = excluded.value, error = excluded.error, expires_at = excluded.expires_at`,
		kind, key, v.Value, v.Error, s.now().Add(ttl).UnixMilli(),
	)
	return err
}

// --- audit ---

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, command, result, details) VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.ToolName, entry.Command, entry.Result, entry.Details,
	)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
