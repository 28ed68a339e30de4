package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/queue"
	"triage-assistant/server/internal/record"
	"triage-assistant/server/internal/session"
	"triage-assistant/server/internal/timeline"
)

// currentSchemaVersion is the target schema version for this build.
// Version 2 adds the serving table.
const currentSchemaVersion = 2

const timeLayout = time.RFC3339Nano

// SQLStore 基于 database/sql 的持久化：病历、排队号账本、归档会话、时间线。
// 同一套 SQL 同时支持 sqlite（modernc）与 postgres（lib/pq），
// 占位符统一写成 ?，postgres 下改写为 $n。
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *log.Logger
}

// Open 打开数据库并建表。driver 为 sqlite 或 postgres。
func Open(driver, dsn string) (*SQLStore, error) {
	var sqlDriver string
	switch driver {
	case "sqlite":
		sqlDriver = "sqlite"
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	case "postgres":
		sqlDriver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite 只允许一个写者
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, dialect: driver, logger: log.Default()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Printf("[Store] opened %s store", driver)
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind 把 ? 占位符改写为当前方言的形式。
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS records (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		version    INTEGER NOT NULL,
		prior_id   TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_patient ON records(patient_id)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id         TEXT PRIMARY KEY,
		specialty  TEXT NOT NULL,
		day        TEXT NOT NULL,
		number     INTEGER NOT NULL,
		patient_id TEXT NOT NULL DEFAULT '',
		issued_at  TEXT NOT NULL,
		voided     INTEGER NOT NULL DEFAULT 0,
		UNIQUE (day, specialty, number)
	)`,
	`CREATE TABLE IF NOT EXISTS serving (
		day       TEXT NOT NULL,
		specialty TEXT NOT NULL,
		number    INTEGER NOT NULL,
		PRIMARY KEY (day, specialty)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		state      TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_patient ON sessions(patient_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		event_id   TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL,
		body       TEXT NOT NULL,
		server_ts  TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
}

func (s *SQLStore) migrate() error {
	ctx := context.Background()
	for _, stmt := range schema {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var v int
	err := s.queryRow(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.exec(ctx, "INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v > currentSchemaVersion:
		return fmt.Errorf("unknown schema version %d", v)
	case v < currentSchemaVersion:
		// 新表已由 CREATE TABLE IF NOT EXISTS 建好，只需更新版本号
		if _, err := s.exec(ctx, "UPDATE schema_version SET version = ?", currentSchemaVersion); err != nil {
			return fmt.Errorf("upgrade schema version: %w", err)
		}
		s.logger.Printf("[Store] upgraded schema %d -> %d", v, currentSchemaVersion)
	}
	return nil
}

// isUniqueViolation 两个驱动的唯一约束错误信息不同，按文本判断。
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// --- Records ---

var _ record.Store = (*SQLStore)(nil)

func (s *SQLStore) Save(ctx context.Context, r *model.MedicalRecord) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO records(id, session_id, patient_id, version, prior_id, body, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.PatientID, r.Version, r.PriorID, string(body), r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return record.ErrExists
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.MedicalRecord, error) {
	var body string
	err := s.queryRow(ctx, "SELECT body FROM records WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	var r model.MedicalRecord
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}

func (s *SQLStore) ListByPatient(ctx context.Context, patientID string) ([]*model.MedicalRecord, error) {
	rows, err := s.query(ctx,
		"SELECT body FROM records WHERE patient_id = ? ORDER BY created_at, version", patientID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*model.MedicalRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var r model.MedicalRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Ticket ledger ---

var _ queue.Ledger = (*SQLStore)(nil)

func (s *SQLStore) SaveTicket(ctx context.Context, t model.QueueTicket) error {
	_, err := s.exec(ctx,
		`INSERT INTO tickets(id, specialty, day, number, patient_id, issued_at, voided)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SpecialtyID, t.Day, t.Number, t.PatientID, t.IssuedAt.UTC().Format(timeLayout), boolInt(t.Voided),
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *SQLStore) VoidTicket(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "UPDATE tickets SET voided = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("void ticket: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("void ticket %s: not found", id)
	}
	return nil
}

func (s *SQLStore) ReinstateTicket(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "UPDATE tickets SET voided = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("reinstate ticket: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("reinstate ticket %s: not found", id)
	}
	return nil
}

// SaveServing upsert 叫号进度，两个方言都支持 ON CONFLICT。
func (s *SQLStore) SaveServing(ctx context.Context, day, specialty string, number int64) error {
	_, err := s.exec(ctx,
		`INSERT INTO serving(day, specialty, number) VALUES(?, ?, ?)
		 ON CONFLICT (day, specialty) DO UPDATE SET number = excluded.number`,
		day, specialty, number)
	if err != nil {
		return fmt.Errorf("save serving: %w", err)
	}
	return nil
}

func (s *SQLStore) ListServing(ctx context.Context, day string) (map[string]int64, error) {
	rows, err := s.query(ctx, "SELECT specialty, number FROM serving WHERE day = ?", day)
	if err != nil {
		return nil, fmt.Errorf("list serving: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			specialty string
			number    int64
		)
		if err := rows.Scan(&specialty, &number); err != nil {
			return nil, fmt.Errorf("scan serving: %w", err)
		}
		out[specialty] = number
	}
	return out, rows.Err()
}

func (s *SQLStore) ListTickets(ctx context.Context, day string) ([]model.QueueTicket, error) {
	rows, err := s.query(ctx,
		`SELECT id, specialty, day, number, patient_id, issued_at, voided
		 FROM tickets WHERE day = ? ORDER BY specialty, number`, day)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []model.QueueTicket
	for rows.Next() {
		var (
			t        model.QueueTicket
			issuedAt string
			voided   int
		)
		if err := rows.Scan(&t.ID, &t.SpecialtyID, &t.Day, &t.Number, &t.PatientID, &issuedAt, &voided); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.IssuedAt, _ = time.Parse(timeLayout, issuedAt)
		t.Voided = voided != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Archived sessions ---

var _ session.Archive = (*SQLStore)(nil)

func (s *SQLStore) ArchiveSession(ctx context.Context, sess *model.Session) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	updated := sess.UpdatedAt.UTC().Format(timeLayout)

	res, err := s.exec(ctx,
		"UPDATE sessions SET state = ?, body = ?, updated_at = ? WHERE id = ?",
		string(sess.State), string(body), updated, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.exec(ctx,
		"INSERT INTO sessions(id, patient_id, state, body, updated_at) VALUES(?, ?, ?, ?, ?)",
		sess.ID, sess.PatientID, string(sess.State), string(body), updated)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetArchived(ctx context.Context, sessionID string) (*model.Session, error) {
	var body string
	err := s.queryRow(ctx, "SELECT body FROM sessions WHERE id = ?", sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) CountArchived(ctx context.Context, patientID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM sessions WHERE patient_id = ?", patientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// --- Timeline ---

var _ timeline.Store = (*SQLStore)(nil)

// Append 实现 timeline.Store。seq 在事务内取当前最大值加一。
func (s *SQLStore) Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := s.appendTx(ctx, tx, sessionID, evt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return seq, nil
}

// AppendAll 在一个事务内写入一轮的全部事件。
func (s *SQLStore) AppendAll(ctx context.Context, sessionID string, evts []model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seqs := make([]int64, len(evts))
	for i := range evts {
		if seqs[i], err = s.appendTx(ctx, tx, sessionID, &evts[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	for i := range evts {
		evts[i].Seq = seqs[i]
	}
	return nil
}

func (s *SQLStore) appendTx(ctx context.Context, tx *sql.Tx, sessionID string, evt *model.Event) (int64, error) {
	if evt.EventID != "" {
		var seq int64
		err := tx.QueryRowContext(ctx,
			s.rebind("SELECT seq FROM events WHERE session_id = ? AND event_id = ?"),
			sessionID, evt.EventID).Scan(&seq)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("lookup event id: %w", err)
		}
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		s.rebind("SELECT MAX(seq) FROM events WHERE session_id = ?"), sessionID).Scan(&last); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}

	e := *evt
	e.Seq = last.Int64 + 1
	e.SessionID = sessionID
	if e.ServerTS.IsZero() {
		e.ServerTS = time.Now()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind("INSERT INTO events(session_id, seq, event_id, type, body, server_ts) VALUES(?, ?, ?, ?, ?, ?)"),
		sessionID, e.Seq, e.EventID, e.Type, string(body), e.ServerTS.UTC().Format(timeLayout)); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return e.Seq, nil
}

func (s *SQLStore) Since(ctx context.Context, sessionID string, afterSeq int64) ([]model.Event, error) {
	rows, err := s.query(ctx,
		"SELECT body FROM events WHERE session_id = ? AND seq > ? ORDER BY seq", sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []model.Event{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e model.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
