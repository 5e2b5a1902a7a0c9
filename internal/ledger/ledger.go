// Package ledger implements the FillLedger: a durable, append-only record
// of every fill (spec §4.2, §6.4). Each record is one self-contained JSON
// line, matching the teacher's "synchronous flush before returning success"
// durability contract in store_sqlite.go, adapted here to a line-oriented
// file format instead of a full-state SQLite snapshot.
package ledger

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
)

// record is the on-disk, self-describing form of a Fill (spec §6.4):
// numerics are decimal strings to preserve precision.
type record struct {
	ID             string `json:"id"`
	TS             string `json:"ts"`
	Market         string `json:"market"`
	Side           string `json:"side"`
	Role           string `json:"role"`
	Size           string `json:"size"`
	Price          string `json:"price"`
	Fee            string `json:"fee"`
	QuoteDelta     string `json:"quote_delta"`
	InventoryAfter string `json:"inventory_after"`
	OrderID        string `json:"order_id"`
	FillSequence   uint64 `json:"fill_sequence"`
}

func toRecord(f core.Fill) record {
	return record{
		ID:             uuid.NewString(),
		TS:             f.TS.UTC().Format(time.RFC3339Nano),
		Market:         f.Market,
		Side:           string(f.Side),
		Role:           string(f.Role),
		Size:           f.Size.String(),
		Price:          f.Price.String(),
		Fee:            f.Fee.String(),
		QuoteDelta:     f.QuoteDelta.String(),
		InventoryAfter: f.InventoryAfter.String(),
		OrderID:        f.OrderID,
		FillSequence:   f.FillSequence,
	}
}

func fromRecord(r record) (core.Fill, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.TS)
	if err != nil {
		return core.Fill{}, fmt.Errorf("ledger: bad ts %q: %w", r.TS, err)
	}
	size, err := decimal.NewFromString(r.Size)
	if err != nil {
		return core.Fill{}, fmt.Errorf("ledger: bad size: %w", err)
	}
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return core.Fill{}, fmt.Errorf("ledger: bad price: %w", err)
	}
	fee, _ := decimal.NewFromString(r.Fee)
	quoteDelta, _ := decimal.NewFromString(r.QuoteDelta)
	invAfter, _ := decimal.NewFromString(r.InventoryAfter)

	return core.Fill{
		TS:             ts,
		Market:         r.Market,
		Side:           core.Side(r.Side),
		Role:           core.Role(r.Role),
		Size:           size,
		Price:          price,
		Fee:            fee,
		QuoteDelta:     quoteDelta,
		InventoryAfter: invAfter,
		OrderID:        r.OrderID,
		FillSequence:   r.FillSequence,
	}, nil
}

// segment is the bookkeeping (path, ts range, record count) for one
// open-or-archived file backing the ledger; the live segment's file handle
// is held on Ledger itself.
type segment struct {
	path      string
	minTS     time.Time
	maxTS     time.Time
	recordCnt int64
}

// Ledger is the FillLedger. One writer, many readers (spec §5
// "Shared-resource policy").
type Ledger struct {
	mu         sync.Mutex
	dir        string
	maxBytes   int64
	liveFile   *os.File
	liveWriter *bufio.Writer
	liveSize   int64
	liveSeg    *segment
	index      *sql.DB
	pending    []core.Fill // buffered fills awaiting a retried append (spec §4.2 failure semantics)
	dirty      bool        // last write failed; the live segment may end in a partial line
}

// Open creates or resumes a Ledger rooted at dir, with the given live-segment
// rotation threshold. A small SQLite index (one row per segment) lets
// read_window skip archived segments that cannot overlap the requested
// range, instead of scanning every file (SPEC_FULL §4.2 note).
func Open(dir string, maxBytes int64) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}

	indexPath := filepath.Join(dir, "index.sqlite3")
	db, err := sql.Open("sqlite3", indexPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("ledger: open index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS segments (
		path TEXT PRIMARY KEY,
		min_ts INTEGER NOT NULL,
		max_ts INTEGER NOT NULL,
		record_count INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("ledger: create index table: %w", err)
	}

	l := &Ledger{dir: dir, maxBytes: maxBytes, index: db}
	if err := l.openLiveSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) livePath() string {
	return filepath.Join(l.dir, "live.jsonl")
}

func (l *Ledger) openLiveSegment() error {
	f, err := os.OpenFile(l.livePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open live segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("ledger: stat live segment: %w", err)
	}
	l.liveFile = f
	l.liveWriter = bufio.NewWriter(f)
	l.liveSize = info.Size()
	l.liveSeg = &segment{path: l.livePath()}
	l.dirty = false
	return nil
}

// Append writes one fill, flushing synchronously to stable storage before
// returning success (spec §4.2). On I/O failure the fill is retained in an
// in-memory queue for the caller to retry via DrainPending.
func (l *Ledger) Append(f core.Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(f)
}

func (l *Ledger) appendLocked(f core.Fill) error {
	// Older buffered fills must hit disk first, or a recovered disk would
	// persist this fill ahead of them and replay order would diverge from
	// the order the live compositor processed.
	if !l.drainPendingLocked() {
		l.pending = append(l.pending, f)
		return fmt.Errorf("ledger: append deferred behind %d pending fills", len(l.pending))
	}
	if err := l.writeLocked(f); err != nil {
		l.pending = append(l.pending, f)
		return fmt.Errorf("ledger: append failed, buffered %d pending: %w", len(l.pending), err)
	}

	// Rotation runs only after the record is durable; a rotate failure must
	// not re-buffer the fill (it is already on disk) — the next append past
	// the threshold retries the rotation.
	if l.liveSize >= l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// drainPendingLocked flushes buffered fills oldest-first, stopping at the
// first failure. Reports whether the buffer is empty afterwards.
func (l *Ledger) drainPendingLocked() bool {
	for len(l.pending) > 0 {
		if err := l.writeLocked(l.pending[0]); err != nil {
			return false
		}
		l.pending = l.pending[1:]
	}
	return true
}

func (l *Ledger) writeLocked(f core.Fill) error {
	rec := toRecord(f)
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal fill: %w", err)
	}
	line = append(line, '\n')
	if l.dirty {
		// The previous failure may have flushed a partial line; a leading
		// newline isolates that fragment on its own (unparseable, skipped)
		// line so this record still parses on replay.
		line = append([]byte{'\n'}, line...)
	}

	n, err := l.liveWriter.Write(line)
	if err == nil {
		err = l.liveWriter.Flush()
	}
	if err == nil {
		err = l.liveFile.Sync()
	}
	if err != nil {
		// bufio.Writer latches its first error; without a Reset every retry
		// from the pending buffer would fail with the stale error even after
		// the disk recovers.
		l.liveWriter.Reset(l.liveFile)
		l.dirty = true
		return err
	}
	l.dirty = false

	l.liveSize += int64(n)
	if l.liveSeg.minTS.IsZero() || f.TS.Before(l.liveSeg.minTS) {
		l.liveSeg.minTS = f.TS
	}
	if f.TS.After(l.liveSeg.maxTS) {
		l.liveSeg.maxTS = f.TS
	}
	l.liveSeg.recordCnt++
	return nil
}

// Pending returns the count of fills buffered because Append failed.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// DrainPending retries every buffered fill in arrival order. Returns the
// number still outstanding after the attempt.
func (l *Ledger) DrainPending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drainPendingLocked()
	return len(l.pending)
}

// Rotate moves the current live segment to an archive file with an
// ISO-8601 timestamp suffix, opening a fresh live segment (spec §4.2).
func (l *Ledger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Ledger) rotateLocked() error {
	if err := l.liveWriter.Flush(); err != nil {
		return fmt.Errorf("ledger: flush before rotate: %w", err)
	}
	if err := l.liveFile.Close(); err != nil {
		return fmt.Errorf("ledger: close before rotate: %w", err)
	}

	suffix := time.Now().UTC().Format("20060102T150405.000000000Z")
	archivePath := filepath.Join(l.dir, fmt.Sprintf("archive-%s.jsonl", suffix))
	if err := os.Rename(l.livePath(), archivePath); err != nil {
		return fmt.Errorf("ledger: rename to archive: %w", err)
	}

	if _, err := l.index.Exec(`INSERT OR REPLACE INTO segments (path, min_ts, max_ts, record_count) VALUES (?, ?, ?, ?)`,
		archivePath, l.liveSeg.minTS.Unix(), l.liveSeg.maxTS.Unix(), l.liveSeg.recordCnt); err != nil {
		return fmt.Errorf("ledger: index archived segment: %w", err)
	}

	l.liveSize = 0
	return l.openLiveSegment()
}

// ReadWindow returns every fill with TS in [start, end], ordered by segment
// timestamp then append order, skipping archived segments whose [min_ts,
// max_ts] cannot overlap the window.
func (l *Ledger) ReadWindow(start, end time.Time) ([]core.Fill, error) {
	l.mu.Lock()
	paths, err := l.candidateSegmentsLocked(start, end)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []core.Fill
	for _, p := range paths {
		fills, err := readSegment(p)
		if err != nil {
			return nil, err
		}
		for _, f := range fills {
			if f.TS.Before(start) || f.TS.After(end) {
				continue
			}
			out = append(out, f)
		}
	}
	return out, nil
}

func (l *Ledger) candidateSegmentsLocked(start, end time.Time) ([]string, error) {
	rows, err := l.index.Query(`SELECT path FROM segments WHERE max_ts >= ? AND min_ts <= ? ORDER BY min_ts ASC`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("ledger: query index: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	if err := l.liveWriter.Flush(); err != nil {
		return nil, fmt.Errorf("ledger: flush live segment for read: %w", err)
	}
	paths = append(paths, l.livePath())
	return paths, nil
}

func readSegment(path string) ([]core.Fill, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open segment %s: %w", path, err)
	}
	defer f.Close()

	var out []core.Fill
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Truncation at any line boundary is safe: skip the partial line.
			continue
		}
		fill, err := fromRecord(rec)
		if err != nil {
			continue
		}
		out = append(out, fill)
	}
	return out, scanner.Err()
}

// ReplayAll reads every archived and live segment in timestamp order, for
// rebuilding a PnLCompositor from scratch after restart (spec §8 "Ledger
// replay"). Records are deduplicated by (order_id, fill_sequence): a write
// whose fsync failed after the bytes reached the file can be retried from
// the pending buffer and land twice on disk, and replay must not
// double-count it.
func (l *Ledger) ReplayAll() ([]core.Fill, error) {
	fills, err := l.ReadWindow(time.Unix(0, 0), time.Now().Add(24*365*time.Hour))
	if err != nil {
		return nil, err
	}

	type fillKey struct {
		orderID string
		seq     uint64
	}
	seen := make(map[fillKey]struct{}, len(fills))
	out := fills[:0]
	for _, f := range fills {
		if f.OrderID != "" {
			k := fillKey{orderID: f.OrderID, seq: f.FillSequence}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, f)
	}
	return out, nil
}

// Close flushes and closes the live segment and the index database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.liveWriter.Flush(); err != nil {
		return err
	}
	if err := l.liveFile.Close(); err != nil {
		return err
	}
	return l.index.Close()
}
