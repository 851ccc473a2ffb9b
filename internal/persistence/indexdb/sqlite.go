package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"rollback.dev/internal/persistence/snapshot"
	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/tuning"
)

const schemaVersion = "1"

// SQLiteIndex is a secondary, queryable copy of the request log. Writes are
// queued and applied by one goroutine in batched transactions; when the
// queue is full entries are dropped and counted.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropRequests atomic.Uint64
	dropDumps    atomic.Uint64
}

type reqKind int

const (
	reqRequest reqKind = iota + 1
	reqDump
	reqFlush
)

type req struct {
	kind reqKind

	request requestRow
	dump    dumpRow
	done    chan struct{}
}

type requestRow struct {
	Seq        uint64
	Kind       string
	Frame      int64
	Checksum   string
	InputsJSON string
}

type dumpRow struct {
	Frame      int64
	Path       string
	Checksum   string
	Reason     string
	Entities   int
	RecordedAt string
}

type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropRequestTotal uint64 `json:"drop_request_total"`
	DropDumpTotal    uint64 `json:"drop_dump_total"`
}

var _ rollback.RequestLogger = (*SQLiteIndex)(nil)

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// The index is rebuilt from the request log if lost; NORMAL is enough.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS requests (
			seq INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			frame INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			inputs_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_frame_kind ON requests(frame, kind);`,
		`CREATE TABLE IF NOT EXISTS dumps (
			frame INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			checksum TEXT NOT NULL,
			reason TEXT,
			entities INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Checksums are stored as fixed-width hex; SQLite integers are signed.
func formatChecksum(v uint64) string { return fmt.Sprintf("%016x", v) }

func parseChecksum(s string) (uint64, error) { return strconv.ParseUint(s, 16, 64) }

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropRequestTotal: s.dropRequests.Load(),
		DropDumpTotal:    s.dropDumps.Load(),
	}
}

// WriteRequest queues one handled request. It never blocks the caller.
func (s *SQLiteIndex) WriteRequest(entry rollback.RequestLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	row := requestRow{
		Seq:      entry.Seq,
		Kind:     string(entry.Kind),
		Frame:    int64(entry.Frame),
		Checksum: formatChecksum(entry.Checksum),
	}
	if len(entry.Inputs) > 0 {
		b, err := json.Marshal(entry.Inputs)
		if err != nil {
			return err
		}
		row.InputsJSON = string(b)
	}
	select {
	case s.ch <- req{kind: reqRequest, request: row}:
	default:
		// The JSONL request log remains the source of truth.
		s.dropRequests.Add(1)
	}
	return nil
}

// RecordDump indexes a snapshot dump written to path.
func (s *SQLiteIndex) RecordDump(path string, d snapshot.DumpV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := dumpRow{
		Frame:      int64(d.Header.Frame),
		Path:       path,
		Checksum:   formatChecksum(d.Header.Checksum),
		Reason:     d.Header.Reason,
		Entities:   d.Snapshot.EntityCount(),
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqDump, dump: r}:
	default:
		s.dropDumps.Add(1)
	}
}

// Flush waits until every queued write is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertTuning stores the effective tuning of this run with its digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", schemaVersion},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Checksums returns the distinct checksums saved for frame in the order they
// were first recorded. More than one value means re-simulation diverged.
func (s *SQLiteIndex) Checksums(ctx context.Context, frame rollback.Frame) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checksum FROM requests WHERE frame=? AND kind=? GROUP BY checksum ORDER BY MIN(seq)`,
		int64(frame), string(rollback.RequestSave))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var hexSum string
		if err := rows.Scan(&hexSum); err != nil {
			return nil, err
		}
		v, err := parseChecksum(hexSum)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DivergentFrames lists frames saved with more than one distinct checksum.
func (s *SQLiteIndex) DivergentFrames(ctx context.Context) ([]rollback.Frame, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT frame FROM requests WHERE kind=? GROUP BY frame HAVING COUNT(DISTINCT checksum) > 1 ORDER BY frame`,
		string(rollback.RequestSave))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rollback.Frame
	for rows.Next() {
		var f int64
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, rollback.Frame(f))
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRequest, _ := s.db.Prepare(`INSERT OR REPLACE INTO requests(seq,kind,frame,checksum,inputs_json) VALUES(?,?,?,?,?)`)
	insertDump, _ := s.db.Prepare(`INSERT OR REPLACE INTO dumps(frame,path,checksum,reason,entities,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertRequest != nil {
			_ = insertRequest.Close()
		}
		if insertDump != nil {
			_ = insertDump.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollbackTx := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			// Idle writer: do not hold the connection in an open tx.
			flushIfNeeded()
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRequest:
			rr := r.request
			if insertRequest != nil {
				var inputs any
				if rr.InputsJSON != "" {
					inputs = rr.InputsJSON
				}
				if _, err := tx.Stmt(insertRequest).Exec(int64(rr.Seq), rr.Kind, rr.Frame, rr.Checksum, inputs); err != nil {
					rollbackTx()
					continue
				}
				opCount++
			}

		case reqDump:
			d := r.dump
			if insertDump != nil {
				if _, err := tx.Stmt(insertDump).Exec(d.Frame, d.Path, d.Checksum, d.Reason, d.Entities, d.RecordedAt); err != nil {
					rollbackTx()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}
}
