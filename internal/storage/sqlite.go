package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tgblast/internal/broadcast"
	"tgblast/internal/recipients"
	"tgblast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
	// ActiveWindow is how recently a subscriber must have been seen to
	// count as "active" for audience resolution.
	ActiveWindow time.Duration // 0 means 30 days
}

type SQLite struct {
	db  *sql.DB
	log logx.Logger
	cfg Config
}

func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes ReportOutcome transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLite{db: db, log: log, cfg: cfg}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- broadcast.Store ----

func (s *SQLite) CreateBroadcast(ctx context.Context, rec *broadcast.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = broadcast.StatusPending
	}

	kb, err := keyboardJSON(rec.Content)
	if err != nil {
		return err
	}
	ids, err := targetIDsJSON(rec.Target)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, text, photo_path, keyboard, audience, recent_days, target_ids,
		                        total, sent_count, failed_count, status, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Content.Text, rec.Content.PhotoPath, kb,
		string(rec.Target.Audience), rec.Target.RecentDays, ids,
		rec.Total, rec.SentCount, rec.FailedCount, string(rec.Status),
		fmtTime(rec.CreatedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (s *SQLite) Broadcast(ctx context.Context, id string) (broadcast.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, text, photo_path, keyboard, audience, recent_days, target_ids,
		        total, sent_count, failed_count, status, created_at, completed_at
		 FROM broadcasts WHERE id = ?`, id)
	return scanBroadcast(row)
}

// ReportOutcome increments the sent or failed counter and, when the record
// just reached its total while still pending, finalizes the status. Runs in
// one transaction; the conditional status UPDATE makes the transition
// exactly-once even if a duplicate report slips past the marker.
func (s *SQLite) ReportOutcome(ctx context.Context, id string, success bool) (broadcast.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return broadcast.Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	col := "failed_count"
	if success {
		col = "sent_count"
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE broadcasts SET `+col+` = `+col+` + 1 WHERE id = ?`, id)
	if err != nil {
		return broadcast.Record{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return broadcast.Record{}, false, broadcast.ErrNotFound
	}

	rec, err := scanBroadcast(tx.QueryRowContext(ctx,
		`SELECT id, text, photo_path, keyboard, audience, recent_days, target_ids,
		        total, sent_count, failed_count, status, created_at, completed_at
		 FROM broadcasts WHERE id = ?`, id))
	if err != nil {
		return broadcast.Record{}, false, err
	}

	finalized := false
	if rec.Processed() >= rec.Total && rec.Status == broadcast.StatusPending {
		final := finalStatusFor(rec)
		now := time.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(final), fmtTime(now), id, string(broadcast.StatusPending))
		if err != nil {
			return broadcast.Record{}, false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			finalized = true
			rec.Status = final
			rec.CompletedAt = now
		}
	}

	if err := tx.Commit(); err != nil {
		return broadcast.Record{}, false, err
	}
	return rec, finalized, nil
}

func finalStatusFor(r broadcast.Record) broadcast.Status {
	switch {
	case r.FailedCount == 0:
		return broadcast.StatusCompleted
	case r.SentCount > 0:
		return broadcast.StatusCompletedWithErrors
	default:
		return broadcast.StatusFailed
	}
}

func (s *SQLite) CreateMessage(ctx context.Context, m *broadcast.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = broadcast.MessagePending
	}
	kb, err := keyboardJSON(m.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbound_messages(id, chat_id, kind, text, photo_path, keyboard,
		                               status, provider_message_id, error, created_at, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ChatID, string(m.Kind), m.Content.Text, m.Content.PhotoPath, kb,
		string(m.Status), m.ProviderMessageID, m.Error, fmtTime(m.CreatedAt), nullTime(m.SentAt),
	)
	return err
}

func (s *SQLite) Message(ctx context.Context, id string) (broadcast.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, kind, text, photo_path, keyboard,
		        status, provider_message_id, error, created_at, sent_at
		 FROM outbound_messages WHERE id = ?`, id)

	var (
		m        broadcast.Message
		kind     string
		kb       sql.NullString
		status   string
		created  string
		sentAt   sql.NullString
	)
	err := row.Scan(&m.ID, &m.ChatID, &kind, &m.Content.Text, &m.Content.PhotoPath, &kb,
		&status, &m.ProviderMessageID, &m.Error, &created, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Message{}, broadcast.ErrNotFound
	}
	if err != nil {
		return broadcast.Message{}, err
	}
	m.Kind = recipients.Kind(kind)
	m.Status = broadcast.MessageStatus(status)
	m.CreatedAt = parseTime(created)
	if sentAt.Valid {
		m.SentAt = parseTime(sentAt.String)
	}
	if kb.Valid && kb.String != "" {
		if err := json.Unmarshal([]byte(kb.String), &m.Content.Keyboard); err != nil {
			return broadcast.Message{}, fmt.Errorf("decode keyboard: %w", err)
		}
	}
	return m, nil
}

// MarkMessageSent transitions pending→sent. A no-op on records that already
// reached a terminal status, so duplicate job executions cannot rewrite
// history.
func (s *SQLite) MarkMessageSent(ctx context.Context, id string, providerMessageID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET status = ?, provider_message_id = ?, sent_at = ?, error = ''
		 WHERE id = ? AND status = ?`,
		string(broadcast.MessageSent), providerMessageID, fmtTime(at), id, string(broadcast.MessagePending))
	return err
}

// MarkMessageFailed transitions pending→failed. It never regresses a sent
// record.
func (s *SQLite) MarkMessageFailed(ctx context.Context, id string, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET status = ?, error = ?
		 WHERE id = ? AND status = ?`,
		string(broadcast.MessageFailed), errText, id, string(broadcast.MessagePending))
	return err
}

// ---- recipients.Resolver ----

func (s *SQLite) Resolve(ctx context.Context, spec recipients.TargetSpec) ([]recipients.Recipient, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch spec.Audience {
	case recipients.AudienceAll:
		rows, err = s.db.QueryContext(ctx,
			`SELECT chat_id, kind FROM subscribers WHERE active = 1 ORDER BY chat_id`)
	case recipients.AudienceActive:
		window := s.cfg.ActiveWindow
		if window <= 0 {
			window = 30 * 24 * time.Hour
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT chat_id, kind FROM subscribers WHERE active = 1 AND last_seen_at >= ? ORDER BY chat_id`,
			fmtTime(time.Now().Add(-window)))
	case recipients.AudienceRecent:
		cutoff := time.Now().AddDate(0, 0, -spec.RecentDays)
		rows, err = s.db.QueryContext(ctx,
			`SELECT chat_id, kind FROM subscribers WHERE active = 1 AND last_seen_at >= ? ORDER BY chat_id`,
			fmtTime(cutoff))
	case recipients.AudienceIDs:
		return s.resolveIDs(ctx, spec.ChatIDs)
	default:
		return nil, fmt.Errorf("unknown audience %q", spec.Audience)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func (s *SQLite) resolveIDs(ctx context.Context, ids []int64) ([]recipients.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, kind FROM subscribers WHERE active = 1 AND chat_id IN (`+ph+`) ORDER BY chat_id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

func scanRecipients(rows *sql.Rows) ([]recipients.Recipient, error) {
	var out []recipients.Recipient
	for rows.Next() {
		var (
			chatID int64
			kind   string
		)
		if err := rows.Scan(&chatID, &kind); err != nil {
			return nil, err
		}
		out = append(out, recipients.Recipient{ChatID: chatID, Kind: recipients.Kind(kind)})
	}
	return out, rows.Err()
}

// ---- subscribers ----

// UpsertSubscriber registers or refreshes a recipient. lastSeen drives the
// "active"/"recent" audience filters.
func (s *SQLite) UpsertSubscriber(ctx context.Context, chatID int64, kind recipients.Kind, lastSeen time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid recipient kind %q", kind)
	}
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, kind, active, last_seen_at, created_at)
		 VALUES(?,?,1,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET kind = excluded.kind, active = 1, last_seen_at = excluded.last_seen_at`,
		chatID, string(kind), fmtTime(lastSeen), fmtTime(time.Now()))
	return err
}

// DeactivateSubscriber flags a recipient as inactive (left the group,
// blocked the bot). Inactive subscribers are excluded from every audience.
func (s *SQLite) DeactivateSubscriber(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET active = 0 WHERE chat_id = ?`, chatID)
	return err
}

// ---- idempotency markers ----

// PutDedupIfAbsent inserts a marker key if no live marker exists. Returns
// true when the key was newly claimed. An expired marker counts as absent
// and is reclaimed in place.
func (s *SQLite) PutDedupIfAbsent(ctx context.Context, key string, until time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("dedup key is empty")
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until WHERE dedup.until < ?`,
		key, until.UnixMilli(), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneDedup removes expired markers. Returns the number deleted.
func (s *SQLite) PruneDedup(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneBroadcasts deletes finalized broadcasts older than the cutoff along
// with their outbound message rows. Pending records are never touched:
// a stuck broadcast stays visible for operators.
func (s *SQLite) PruneBroadcasts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcasts WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(broadcast.StatusPending), fmtTime(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM outbound_messages WHERE status != ? AND created_at < ?`,
		string(broadcast.MessagePending), fmtTime(olderThan))
	return n, err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (broadcast.Record, error) {
	var (
		rec       broadcast.Record
		kb        sql.NullString
		audience  string
		ids       sql.NullString
		status    string
		created   string
		completed sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Content.Text, &rec.Content.PhotoPath, &kb,
		&audience, &rec.Target.RecentDays, &ids,
		&rec.Total, &rec.SentCount, &rec.FailedCount, &status, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Record{}, broadcast.ErrNotFound
	}
	if err != nil {
		return broadcast.Record{}, err
	}
	rec.Target.Audience = recipients.Audience(audience)
	rec.Status = broadcast.Status(status)
	rec.CreatedAt = parseTime(created)
	if completed.Valid {
		rec.CompletedAt = parseTime(completed.String)
	}
	if kb.Valid && kb.String != "" {
		if err := json.Unmarshal([]byte(kb.String), &rec.Content.Keyboard); err != nil {
			return broadcast.Record{}, fmt.Errorf("decode keyboard: %w", err)
		}
	}
	if ids.Valid && ids.String != "" {
		if err := json.Unmarshal([]byte(ids.String), &rec.Target.ChatIDs); err != nil {
			return broadcast.Record{}, fmt.Errorf("decode target ids: %w", err)
		}
	}
	return rec, nil
}

func keyboardJSON(c broadcast.Content) (any, error) {
	if c.Keyboard.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(c.Keyboard)
	if err != nil {
		return nil, fmt.Errorf("encode keyboard: %w", err)
	}
	return string(b), nil
}

func targetIDsJSON(t recipients.TargetSpec) (any, error) {
	if len(t.ChatIDs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(t.ChatIDs)
	if err != nil {
		return nil, fmt.Errorf("encode target ids: %w", err)
	}
	return string(b), nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
