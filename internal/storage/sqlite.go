package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/zettel/internal/note"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding note queues, pending questions,
// per-user sessions, and processing run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "zettel.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: every queue mutation is serialised by SQLite itself,
	// and an in-memory database stays the same database across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// --- Sessions ---

// GetSession returns the persisted state for userID, or a fresh session in
// work mode when the user has never been seen.
func (s *Store) GetSession(userID string) (Session, error) {
	var sess Session
	var mode, updatedAt string
	err := s.db.QueryRow(`SELECT user_id, mode, updated_at FROM sessions WHERE user_id = ?`, userID).
		Scan(&sess.UserID, &mode, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{UserID: userID, Mode: note.Work}, nil
	}
	if err != nil {
		return Session{}, err
	}
	sess.Mode = note.Partition(mode)
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// SaveMode persists the active partition of userID.
func (s *Store) SaveMode(userID string, mode note.Partition) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (user_id, mode, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		userID, string(mode), formatTime(time.Now()),
	)
	return err
}

// --- Queue items ---

const itemColumns = `seq, user_id, kind, text, caption, media_type, data, partition, clarification, answer, created_at,
	COALESCE((SELECT question FROM pending_questions WHERE item_seq = queue_items.seq), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (note.Item, error) {
	var it note.Item
	var kind, partition, clarification, createdAt string
	err := r.Scan(&it.Seq, &it.UserID, &kind, &it.Payload.Text, &it.Payload.Caption, &it.Payload.MediaType,
		&it.Payload.Data, &partition, &clarification, &it.Answer, &createdAt, &it.Question)
	if err != nil {
		return note.Item{}, err
	}
	it.Payload.Kind = note.Kind(kind)
	it.Partition = note.Partition(partition)
	it.Clarification = note.ClarificationState(clarification)
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return note.Item{}, fmt.Errorf("parsing created_at for item %d: %w", it.Seq, err)
	}
	return it, nil
}

func collectItems(rows *sql.Rows) ([]note.Item, error) {
	defer rows.Close()
	var items []note.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// EnqueueItem appends it to the queue of it.UserID and returns its sequence id.
func (s *Store) EnqueueItem(it note.Item) (int64, error) {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	clarification := it.Clarification
	if clarification == "" {
		clarification = note.ClarificationNone
	}
	res, err := s.db.Exec(`
		INSERT INTO queue_items (user_id, kind, text, caption, media_type, data, partition, clarification, answer, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?)`,
		it.UserID, string(it.Payload.Kind), it.Payload.Text, it.Payload.Caption, it.Payload.MediaType,
		it.Payload.Data, string(it.Partition), string(clarification), it.Answer, formatTime(it.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetItem returns the item with the given sequence id.
func (s *Store) GetItem(seq int64) (note.Item, error) {
	it, err := scanItem(s.db.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE seq = ?`, seq))
	if err == sql.ErrNoRows {
		return note.Item{}, ErrNotFound
	}
	return it, err
}

// ListItems returns the items of userID with the given status in insertion order.
func (s *Store) ListItems(userID, status string) ([]note.Item, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM queue_items
		WHERE user_id = ? AND status = ? ORDER BY seq ASC`, userID, status)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// CountItems summarises the queue of userID.
func (s *Store) CountItems(userID string) (ItemCounts, error) {
	var c ItemCounts
	err := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'queued' AND clarification = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'queued' AND clarification = 'answered' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_flight' THEN 1 ELSE 0 END), 0)
		FROM queue_items WHERE user_id = ?`, userID,
	).Scan(&c.Queued, &c.Pending, &c.Answered, &c.InFlight)
	return c, err
}

// ClaimItems atomically moves every queued item of userID into the in-flight
// set of runID and returns them in insertion order. When skipPending is true,
// items still waiting for a clarification answer stay queued.
func (s *Store) ClaimItems(userID, runID string, skipPending bool) ([]note.Item, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE queue_items SET status = 'in_flight', run_id = ? WHERE user_id = ? AND status = 'queued'`
	if skipPending {
		query += ` AND clarification <> 'pending'`
	}
	if _, err := tx.Exec(query, runID, userID); err != nil {
		return nil, fmt.Errorf("claiming items: %w", err)
	}

	rows, err := tx.Query(`SELECT `+itemColumns+` FROM queue_items WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("selecting claimed items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return items, nil
}

// CompleteClaim deletes the items claimed by runID together with any
// question still bound to them, and advances the vault-wide document id
// watermark to lastDocID when it is newer.
func (s *Store) CompleteClaim(userID, runID, lastDocID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pending_questions
		WHERE item_seq IN (SELECT seq FROM queue_items WHERE run_id = ?)`, runID); err != nil {
		return 0, fmt.Errorf("deleting questions: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM queue_items WHERE run_id = ? AND user_id = ?`, runID, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting claimed items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if lastDocID != "" {
		if _, err := tx.Exec(`
			UPDATE vault_state SET last_doc_id = ?, updated_at = ?
			WHERE id = 1 AND last_doc_id < ?`,
			lastDocID, formatTime(time.Now()), lastDocID); err != nil {
			return 0, fmt.Errorf("advancing id watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing complete: %w", err)
	}
	return int(n), nil
}

// VaultWatermark returns the greatest document identifier committed to the
// vault by any user, or "" before the first run.
func (s *Store) VaultWatermark() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT last_doc_id FROM vault_state WHERE id = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading id watermark: %w", err)
	}
	return id, nil
}

// ReleaseClaim returns the items claimed by runID to the queue. Their
// sequence ids are unchanged, so they keep their place ahead of anything
// enqueued while the run was in flight.
func (s *Store) ReleaseClaim(runID string) (int, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET status = 'queued', run_id = NULL WHERE run_id = ?`, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseStaleClaims returns every in-flight item to the queue. It is called
// once at startup, when no run can be in flight.
func (s *Store) ReleaseStaleClaims() (int, error) {
	res, err := s.db.Exec(`UPDATE queue_items SET status = 'queued', run_id = NULL WHERE status = 'in_flight'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearQueued deletes every queued item of userID and the questions bound to
// them. In-flight items are left alone.
func (s *Store) ClearQueued(userID string) (items, questions int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM pending_questions WHERE user_id = ?
		AND item_seq IN (SELECT seq FROM queue_items WHERE user_id = ? AND status = 'queued')`, userID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting questions: %w", err)
	}
	q, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.Exec(`DELETE FROM queue_items WHERE user_id = ? AND status = 'queued'`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing clear: %w", err)
	}
	return int(n), int(q), nil
}

// --- Pending questions ---

const questionColumns = `reply_target, user_id, item_seq, question, delivery_ref, created_at`

func scanQuestion(r rowScanner) (note.PendingQuestion, error) {
	var q note.PendingQuestion
	var deliveryRef sql.NullString
	var createdAt string
	if err := r.Scan(&q.ReplyTarget, &q.UserID, &q.ItemSeq, &q.Question, &deliveryRef, &createdAt); err != nil {
		return note.PendingQuestion{}, err
	}
	q.DeliveryRef = deliveryRef.String
	t, err := parseTime(createdAt)
	if err != nil {
		return note.PendingQuestion{}, fmt.Errorf("parsing created_at for question %s: %w", q.ReplyTarget, err)
	}
	q.CreatedAt = t
	return q, nil
}

// SaveQuestion records q and marks its item pending. The item must be queued
// and must not already have a question; otherwise ErrConflict is returned.
func (s *Store) SaveQuestion(q note.PendingQuestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning question transaction: %w", err)
	}
	defer tx.Rollback()

	var status, clarification string
	err = tx.QueryRow(`SELECT status, clarification FROM queue_items WHERE seq = ? AND user_id = ?`, q.ItemSeq, q.UserID).
		Scan(&status, &clarification)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != StatusQueued || clarification != string(note.ClarificationNone) {
		return fmt.Errorf("%w: item %d is %s/%s", ErrConflict, q.ItemSeq, status, clarification)
	}

	var deliveryRef any
	if q.DeliveryRef != "" {
		deliveryRef = q.DeliveryRef
	}
	if _, err := tx.Exec(`INSERT INTO pending_questions (`+questionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		q.ReplyTarget, q.UserID, q.ItemSeq, q.Question, deliveryRef, formatTime(q.CreatedAt)); err != nil {
		return fmt.Errorf("inserting question: %w", err)
	}
	if _, err := tx.Exec(`UPDATE queue_items SET clarification = 'pending' WHERE seq = ?`, q.ItemSeq); err != nil {
		return fmt.Errorf("marking item pending: %w", err)
	}
	return tx.Commit()
}

// SetDeliveryRef aliases ref to the question identified by replyTarget.
func (s *Store) SetDeliveryRef(userID, replyTarget, ref string) error {
	res, err := s.db.Exec(`UPDATE pending_questions SET delivery_ref = ? WHERE user_id = ? AND reply_target = ?`,
		ref, userID, replyTarget)
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

func findQuestion(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, userID, target string) (note.PendingQuestion, error) {
	pq, err := scanQuestion(q.QueryRow(`SELECT `+questionColumns+` FROM pending_questions
		WHERE user_id = ? AND (reply_target = ? OR delivery_ref = ?)
		ORDER BY CASE WHEN reply_target = ? THEN 0 ELSE 1 END LIMIT 1`, userID, target, target, target))
	if err == sql.ErrNoRows {
		return note.PendingQuestion{}, ErrNotFound
	}
	return pq, err
}

// GetQuestion resolves target (a reply target or a delivery alias) for userID.
func (s *Store) GetQuestion(userID, target string) (note.PendingQuestion, error) {
	return findQuestion(s.db, userID, target)
}

// AnswerQuestion attaches answer to the item bound to target and deletes the
// question. Only queued items with a pending clarification can be answered;
// anything else reports ErrNotFound and leaves state untouched.
func (s *Store) AnswerQuestion(userID, target, answer string) (note.Item, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return note.Item{}, fmt.Errorf("beginning answer transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := findQuestion(tx, userID, target)
	if err != nil {
		return note.Item{}, err
	}

	res, err := tx.Exec(`UPDATE queue_items SET answer = ?, clarification = 'answered'
		WHERE seq = ? AND user_id = ? AND status = 'queued' AND clarification = 'pending'`,
		answer, q.ItemSeq, userID)
	if err != nil {
		return note.Item{}, fmt.Errorf("attaching answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return note.Item{}, err
	}
	if n == 0 {
		return note.Item{}, ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM pending_questions WHERE reply_target = ?`, q.ReplyTarget); err != nil {
		return note.Item{}, fmt.Errorf("deleting question: %w", err)
	}

	it, err := scanItem(tx.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE seq = ?`, q.ItemSeq))
	if err != nil {
		return note.Item{}, fmt.Errorf("reloading item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return note.Item{}, fmt.Errorf("committing answer: %w", err)
	}
	return it, nil
}

// ListQuestions returns the outstanding questions of userID, oldest first.
func (s *Store) ListQuestions(userID string) ([]note.PendingQuestion, error) {
	rows, err := s.db.Query(`SELECT `+questionColumns+` FROM pending_questions
		WHERE user_id = ? AND item_seq IN (SELECT seq FROM queue_items WHERE status = 'queued')
		ORDER BY item_seq ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []note.PendingQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

// --- Processing runs ---

// StartRun records a new run in the running state.
func (s *Store) StartRun(r Run) error {
	_, err := s.db.Exec(`
		INSERT INTO processing_runs (id, user_id, started_at, status, item_count)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.UserID, formatTime(r.StartedAt), RunRunning, r.ItemCount,
	)
	return err
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(r Run) error {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	res, err := s.db.Exec(`
		UPDATE processing_runs SET finished_at = ?, status = ?, document_count = ?, rejected_count = ?,
			commit_ref = ?, error = ?
		WHERE id = ?`,
		formatTime(finished), r.Status, r.DocumentCount, r.RejectedCount, r.CommitRef, r.Error, r.ID,
	)
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

// ListRuns returns the most recent runs of userID, newest first.
func (s *Store) ListRuns(userID string, limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, started_at, finished_at, status, item_count, document_count, rejected_count, commit_ref, error
		FROM processing_runs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &startedAt, &finishedAt, &r.Status, &r.ItemCount,
			&r.DocumentCount, &r.RejectedCount, &r.CommitRef, &r.Error); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
			}
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
