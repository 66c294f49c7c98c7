// Package cyclelog 把每个决策周期的摘要写入独立的 SQLite 文件，方便排查与回放。
package cyclelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"helmsman/internal/workflow"

	_ "modernc.org/sqlite"
)

// Store 管理周期日志，实现 workflow.Journal。
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	maxRecords int
}

var _ workflow.Journal = (*Store)(nil)

// Query 用于筛选周期日志。
type Query struct {
	Symbol       string
	ExecutedOnly bool
	Limit        int
	Offset       int
}

// NewStore 初始化 SQLite 存储；maxRecords>0 时只保留最新的若干条。
func NewStore(path string, maxRecords int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cycle log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, maxRecords: maxRecords}, nil
}

// Close 关闭底层 DB。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycle_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			direction TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			executed INTEGER NOT NULL DEFAULT 0,
			hold_reason TEXT,
			trade_id TEXT,
			completed_json TEXT,
			votes_json TEXT,
			vote_errors_json TEXT,
			risk_json TEXT,
			consensus_json TEXT,
			signal_json TEXT,
			verdict_json TEXT,
			errors_json TEXT,
			note TEXT,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_logs_symbol_started ON cycle_logs(symbol, started_at DESC, id DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("cycle log store 未初始化")
	}
	return s.db, nil
}

// Append 写入一条周期记录；同一 trace id 重复写入会被忽略。
func (s *Store) Append(ctx context.Context, rec workflow.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if strings.TrimSpace(rec.TraceID) == "" {
		return fmt.Errorf("trace_id 不能为空")
	}
	enc := func(v interface{}) string {
		if v == nil {
			return ""
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
	sig := rec.Signal
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cycle_logs
			(trace_id, symbol, started_at, duration_ms, direction, confidence, executed, hold_reason, trade_id,
			 completed_json, votes_json, vote_errors_json, risk_json, consensus_json, signal_json, verdict_json,
			 errors_json, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID,
		strings.ToUpper(rec.Symbol),
		rec.StartedAt.UnixMilli(),
		rec.Duration.Milliseconds(),
		string(sig.Direction),
		sig.Confidence,
		boolToInt(sig.Executed),
		sig.HoldReason,
		sig.TradeID,
		enc(rec.Completed),
		enc(rec.Votes),
		enc(rec.VoteErrors),
		enc(rec.Risk),
		enc(rec.Consensus),
		enc(sig),
		enc(rec.Verdict),
		enc(rec.Errors),
		rec.Note,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	if s.maxRecords > 0 {
		_, err = db.ExecContext(ctx, `DELETE FROM cycle_logs WHERE id NOT IN
			(SELECT id FROM cycle_logs ORDER BY id DESC LIMIT ?)`, s.maxRecords)
	}
	return err
}

const selectColumns = `SELECT trace_id, symbol, started_at, duration_ms, completed_json, votes_json,
	vote_errors_json, risk_json, consensus_json, signal_json, verdict_json, errors_json, note FROM cycle_logs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(scanner rowScanner) (workflow.Record, error) {
	var (
		rec        workflow.Record
		startedAt  int64
		durationMS int64
		completed  sql.NullString
		votes      sql.NullString
		voteErrors sql.NullString
		risk       sql.NullString
		consensus  sql.NullString
		signal     sql.NullString
		verdict    sql.NullString
		errs       sql.NullString
		note       sql.NullString
	)
	if err := scanner.Scan(&rec.TraceID, &rec.Symbol, &startedAt, &durationMS, &completed, &votes,
		&voteErrors, &risk, &consensus, &signal, &verdict, &errs, &note); err != nil {
		return rec, err
	}
	rec.StartedAt = time.UnixMilli(startedAt)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.Note = note.String
	decode(completed, &rec.Completed)
	decode(votes, &rec.Votes)
	decode(voteErrors, &rec.VoteErrors)
	decode(risk, &rec.Risk)
	decode(consensus, &rec.Consensus)
	decode(signal, &rec.Signal)
	decode(verdict, &rec.Verdict)
	decode(errs, &rec.Errors)
	return rec, nil
}

// Get 按 trace id 返回单条记录。
func (s *Store) Get(ctx context.Context, traceID string) (workflow.Record, error) {
	db, err := s.handle()
	if err != nil {
		return workflow.Record{}, err
	}
	return scanRecord(db.QueryRowContext(ctx, selectColumns+` WHERE trace_id = ?`, strings.TrimSpace(traceID)))
}

// List 返回最新的周期记录（新的在前）。
func (s *Store) List(ctx context.Context, q Query) ([]workflow.Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	filterSQL, args := buildFilter(q)
	args = append(args, limit, offset)
	rows, err := db.QueryContext(ctx, selectColumns+filterSQL+` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []workflow.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// Count 统计满足筛选条件的记录数。
func (s *Store) Count(ctx context.Context, q Query) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	filterSQL, args := buildFilter(q)
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycle_logs`+filterSQL, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func buildFilter(q Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, sym)
	}
	if q.ExecutedOnly {
		clauses = append(clauses, "executed = 1")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func decode(raw sql.NullString, dst interface{}) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return
	}
	_ = json.Unmarshal([]byte(raw.String), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
