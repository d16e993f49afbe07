package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts ...Option) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, opts...)
	require.NoError(t, err)
	return j, path
}

func TestAppendAndReplay(t *testing.T) {
	j, path := openTemp(t)

	rec := types.ActionRecord{ID: "a1", ParticipantID: "p1", ActionType: types.ActionCheckIn}
	job := types.PrintJob{ID: "j1", ParticipantID: "p1", Status: types.StatusPending}

	require.NoError(t, j.AppendAction(rec))
	require.NoError(t, j.AppendJob(EventJobSubmitted, job))
	require.NoError(t, j.Close())

	var events []Event
	require.NoError(t, Replay(path, func(e Event) error {
		events = append(events, e)
		return nil
	}))

	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventActionRecorded, events[0].Type)
	assert.Equal(t, "a1", events[0].RefID)
	assert.Equal(t, EventJobSubmitted, events[1].Type)
	assert.Equal(t, "p1", events[1].Subject)

	var decoded types.PrintJob
	require.NoError(t, json.Unmarshal(events[1].Data, &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, types.StatusPending, decoded.Status)
}

func TestBufferedUntilFlush(t *testing.T) {
	j, path := openTemp(t, WithBuffer(10), WithFlushInterval(time.Hour))

	require.NoError(t, j.AppendJob(EventJobClaimed, types.PrintJob{ID: "j1"}))

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "event should still be buffered")

	require.NoError(t, j.Flush())
	n, err = Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(EventJobClaimed, "p1", "j2", nil), ErrClosed)
}

func TestReopenContinuesSequence(t *testing.T) {
	j, path := openTemp(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.AppendJob(EventJobSubmitted, types.PrintJob{ID: "j"}))
	}
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), j2.LastSeq())
	require.NoError(t, j2.AppendJob(EventJobCompleted, types.PrintJob{ID: "j"}))
	require.NoError(t, j2.Close())

	var seqs []uint64
	require.NoError(t, Replay(path, func(e Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestVerifyDetectsTampering(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.AppendJob(EventJobCompleted, types.PrintJob{ID: "j1", ParticipantID: "p1"}))
	require.NoError(t, j.AppendJob(EventJobCompleted, types.PrintJob{ID: "j2", ParticipantID: "p2"}))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"subject":"p2"`, `"subject":"p3"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	n, err := Verify(path)
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, 2, corrupt.Line)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, 1, n)

	_, err = Open(path)
	assert.Error(t, err, "reopening a corrupt journal must fail")
}

func TestConcurrentAppend(t *testing.T) {
	j, path := openTemp(t, WithBuffer(7))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, j.AppendJob(EventJobClaimed, types.PrintJob{ID: "j"}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, j.Close())

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 400, n)
}

func TestDump(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.AppendAction(types.ActionRecord{ID: "a1", ParticipantID: "p1", ActionType: types.ActionLunch}))
	require.NoError(t, j.Close())

	var buf bytes.Buffer
	require.NoError(t, Dump(path, &buf))
	assert.Contains(t, buf.String(), "ACTION_RECORDED")
	assert.Contains(t, buf.String(), `"action_type":"lunch"`)
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.AppendAction(types.ActionRecord{}))
	assert.NoError(t, j.Flush())
	assert.NoError(t, j.Close())
	assert.Zero(t, j.LastSeq())
}

func TestFlushLoopWritesQuietBuffer(t *testing.T) {
	j, path := openTemp(t, WithBuffer(10), WithFlushInterval(20*time.Millisecond))
	defer j.Close()

	require.NoError(t, j.AppendJob(EventJobClaimed, types.PrintJob{ID: "j1"}))

	require.Eventually(t, func() bool {
		n, err := Verify(path)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond, "buffered event should be flushed without another append")
}

// failingFile records writes and fails the one numbered failOn (1-based).
type failingFile struct {
	bytes.Buffer
	writes int
	failOn int
}

func (f *failingFile) Write(p []byte) (int, error) {
	f.writes++
	if f.writes == f.failOn {
		return 0, errors.New("disk full")
	}
	return f.Buffer.Write(p)
}

func (f *failingFile) Sync() error  { return nil }
func (f *failingFile) Close() error { return nil }

func TestFailedFlushKeepsOnlyUnwrittenEvents(t *testing.T) {
	f := &failingFile{failOn: 2}
	j := &Journal{
		file:          f,
		now:           time.Now,
		bufferSize:    10,
		flushInterval: time.Hour,
		lastFlushTime: time.Now(),
	}

	require.NoError(t, j.AppendJob(EventJobSubmitted, types.PrintJob{ID: "j1"}))
	require.NoError(t, j.AppendJob(EventJobClaimed, types.PrintJob{ID: "j1"}))
	require.NoError(t, j.AppendJob(EventJobCompleted, types.PrintJob{ID: "j1"}))

	require.Error(t, j.Flush())
	assert.Len(t, j.buffer, 2, "the written event leaves the buffer")

	require.NoError(t, j.Flush())
	var seqs []uint64
	require.NoError(t, replay(bytes.NewReader(f.Bytes()), func(e Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
