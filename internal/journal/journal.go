package journal

// ============================================================================
// Audit journal
// Responsibilities:
// 1. Append committed domain events to a JSON-lines file (append-only)
// 2. Replay and verify the file for the analytics side
// 3. Buffer writes and flush on size, age, or demand
//
// The store is the source of truth. The journal trails it: a failed append
// is logged by the caller and never rolls back a committed store write.
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/hackops/pkg/types"
)

var log = slog.Default()

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an open audit journal. A nil *Journal accepts and drops every
// append, so callers need no journal-enabled checks.
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	path    string
	seq     uint64
	closed  bool
	now     func() time.Time

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

// Option configures a Journal.
type Option func(*Journal)

// WithBuffer sets how many events are held before a flush.
func WithBuffer(size int) Option {
	return func(j *Journal) {
		if size > 0 {
			j.bufferSize = size
		}
	}
}

// WithFlushInterval sets the maximum age of buffered events. A background
// loop flushes on this interval even when no further events arrive; zero
// disables it.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) { j.flushInterval = d }
}

// Open creates or reopens the journal at path, continuing its sequence.
func Open(path string, opts ...Option) (*Journal, error) {
	var seq uint64
	if last, err := lastEvent(path); err != nil {
		return nil, err
	} else if last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		file:          file,
		path:          path,
		seq:           seq,
		now:           time.Now,
		bufferSize:    64,
		flushInterval: time.Second,
		lastFlushTime: time.Now(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.buffer = make([]Event, 0, j.bufferSize)

	if j.flushInterval > 0 {
		j.stop = make(chan struct{})
		j.done = make(chan struct{})
		go j.flushLoop()
	}
	return j, nil
}

func (j *Journal) flushLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed && len(j.buffer) > 0 && time.Since(j.lastFlushTime) >= j.flushInterval {
				if err := j.flushLocked(); err != nil {
					log.Error("Failed to flush journal", "path", j.path, "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append adds an event. data is stored as JSON.
func (j *Journal) Append(t EventType, subject, refID string, data any) error {
	if j == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", t, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	event := Event{
		Seq:       j.seq,
		Type:      t,
		Subject:   subject,
		RefID:     refID,
		Timestamp: j.now().UnixMilli(),
		Data:      raw,
	}
	event.Checksum = CalculateChecksum(event)
	j.buffer = append(j.buffer, event)

	if len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// AppendAction journals a recorded action.
func (j *Journal) AppendAction(rec types.ActionRecord) error {
	return j.Append(EventActionRecorded, rec.ParticipantID, rec.ID, rec)
}

// AppendJob journals a print job transition.
func (j *Journal) AppendJob(t EventType, job types.PrintJob) error {
	return j.Append(t, job.ParticipantID, job.ID, job)
}

// Flush writes buffered events and syncs the file.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// LastSeq returns the sequence number of the newest event.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	j.mu.Unlock()

	if j.stop != nil {
		close(j.stop)
		<-j.done
	}
	return errors.Join(flushErr, closeErr)
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for i, event := range j.buffer {
		if err := j.writeEvent(event); err != nil {
			// Keep only the unwritten tail so a retry does not repeat seqs.
			j.buffer = j.buffer[:copy(j.buffer, j.buffer[i:])]
			return fmt.Errorf("write journal: %w", err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// writeEvent writes one JSON line.
func (j *Journal) writeEvent(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = j.file.Write(append(line, '\n'))
	return err
}

// Replay feeds every event in the file at path to handler, oldest first. It
// stops at the first corrupt line with a *CorruptionError.
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()
	return replay(file, handler)
}

func replay(r io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		line    int
		lastSeq uint64
	)
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &CorruptionError{Line: line, Seq: event.Seq, Cause: ErrChecksumMismatch}
		}
		if event.Seq <= lastSeq {
			return &CorruptionError{Line: line, Seq: event.Seq, Cause: ErrOutOfOrder}
		}
		lastSeq = event.Seq
		if err := handler(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// Verify checks every event in the file and returns how many it read.
func Verify(path string) (int, error) {
	var n int
	err := Replay(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// Dump writes each event of the file at path to w as one line of text.
func Dump(path string, w io.Writer) error {
	return Replay(path, func(e Event) error {
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano)
		_, err := fmt.Fprintf(w, "%6d  %s  %-18s  %-12s  %s  %s\n", e.Seq, ts, e.Type, e.Subject, e.RefID, e.Data)
		return err
	})
}

// lastEvent returns the final event of an existing journal, or nil for a
// missing or empty file.
func lastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var last *Event
	err = replay(file, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reopen journal %s: %w", path, err)
	}
	return last, nil
}
