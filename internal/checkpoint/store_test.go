package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urlsieve/urlsieve/internal/batch"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Dir: t.TempDir(), FlushEvery: 4, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.CloseAll() })
	return s
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, s.Append("b1", Record{TaskID: "t1", Outcome: batch.OutcomeSucceeded}))
	require.NoError(t, s.Append("b1", Record{TaskID: "t2", Outcome: batch.OutcomeFailed, FailureClass: batch.FailureClientError, Error: "404"}))
	require.NoError(t, s.Append("b1", Record{TaskID: "t3", Outcome: batch.OutcomeSkipped}))

	ckpt, err := s.Load("b1")
	require.NoError(t, err)

	require.Len(t, ckpt.Resolved, 3)
	require.True(t, ckpt.IsResolved("t1"))
	require.True(t, ckpt.IsResolved("t2"))
	require.False(t, ckpt.IsResolved("t4"))
	require.Equal(t, 1, ckpt.Counters.Succeeded)
	require.Equal(t, 1, ckpt.Counters.PermanentlyFailed)
	require.Equal(t, 1, ckpt.Counters.Skipped)
}

func TestLoadMissingBatchIsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ckpt, err := s.Load("never-written")
	require.NoError(t, err)
	require.Empty(t, ckpt.Resolved)
}

func TestLoadToleratesTornTailRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(Config{Dir: dir, FlushEvery: 1})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append("b1", Record{
			TaskID:  fmt.Sprintf("t%d", i),
			Outcome: batch.OutcomeSucceeded,
		}))
	}
	require.NoError(t, s.Close("b1"))

	// Simulate a crash mid-append: a partial JSON object with no newline.
	f, err := os.OpenFile(filepath.Join(dir, "b1.ckpt"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"task_id":"t5","outco`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ckpt, err := s.Load("b1")
	require.NoError(t, err)
	require.Len(t, ckpt.Resolved, 5)
	require.Equal(t, 5, ckpt.Counters.Succeeded)
	require.False(t, ckpt.IsResolved("t5"))
}

func TestLoadRejectsMidStreamCorruption(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(Config{Dir: dir})
	require.NoError(t, err)

	content := `{"task_id":"t0","outcome":"succeeded","at":"2026-01-02T03:04:05Z"}
garbage not json
{"task_id":"t1","outcome":"succeeded","at":"2026-01-02T03:04:06Z"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.ckpt"), []byte(content), 0o644))

	_, err = s.Load("bad")
	require.Error(t, err)
}

func TestDuplicateTaskIDsCollapse(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Append("b1", Record{TaskID: "t1", Outcome: batch.OutcomeSucceeded}))
	require.NoError(t, s.Append("b1", Record{TaskID: "t1", Outcome: batch.OutcomeFailed}))

	ckpt, err := s.Load("b1")
	require.NoError(t, err)
	require.Len(t, ckpt.Resolved, 1)
	require.Equal(t, batch.OutcomeSucceeded, ckpt.Resolved["t1"])
	require.Equal(t, 1, ckpt.Counters.Succeeded)
	require.Equal(t, 0, ckpt.Counters.PermanentlyFailed)
}

func TestCountBasedFlushCadence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(Config{Dir: dir, FlushEvery: 3, FlushInterval: time.Hour})
	require.NoError(t, err)

	path := filepath.Join(dir, "b1.ckpt")

	require.NoError(t, s.Append("b1", Record{TaskID: "t0", Outcome: batch.OutcomeSucceeded}))
	require.NoError(t, s.Append("b1", Record{TaskID: "t1", Outcome: batch.OutcomeSucceeded}))

	// Below the threshold nothing is guaranteed on disk yet.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())

	require.NoError(t, s.Append("b1", Record{TaskID: "t2", Outcome: batch.OutcomeSucceeded}))

	info, err = os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := s.Append("b1", Record{
					TaskID:  fmt.Sprintf("w%d-t%d", w, i),
					Outcome: batch.OutcomeSucceeded,
				})
				if err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	ckpt, err := s.Load("b1")
	require.NoError(t, err)
	require.Len(t, ckpt.Resolved, 400)
	require.Equal(t, 400, ckpt.Counters.Succeeded)
}

func TestDeleteRemovesStream(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(Config{Dir: dir, FlushEvery: 1})
	require.NoError(t, err)

	require.NoError(t, s.Append("b1", Record{TaskID: "t0", Outcome: batch.OutcomeSucceeded}))
	require.NoError(t, s.Delete("b1"))

	_, statErr := os.Stat(filepath.Join(dir, "b1.ckpt"))
	require.True(t, os.IsNotExist(statErr))

	ckpt, err := s.Load("b1")
	require.NoError(t, err)
	require.Empty(t, ckpt.Resolved)
}
