package qa

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urlsieve/urlsieve/internal/batch"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]string
}

func (f *fakeSubmitter) Submit(urls []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, urls)
	return "recheck-batch", nil
}

type countingSink struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (c *countingSink) OnSuccess(context.Context, string, batch.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes++
	return nil
}

func (c *countingSink) OnPermanentFailure(context.Context, string, batch.FailureClass, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return nil
}

func TestEverySuccessSampledAtFullRate(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	inner := &countingSink{}
	r := New(inner, sub, Config{SampleRate: 1, FlushAt: 3}, nil)

	for _, u := range []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"} {
		require.NoError(t, r.OnSuccess(context.Background(), u, batch.Result{}))
	}

	require.Len(t, sub.batches, 1)
	assert.Equal(t, []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}, sub.batches[0])
	assert.Equal(t, 3, inner.successes, "inner sink sees every success")
}

func TestZeroRateNeverSamples(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	r := New(&countingSink{}, sub, Config{SampleRate: 0, FlushAt: 1}, nil)

	for i := 0; i < 50; i++ {
		require.NoError(t, r.OnSuccess(context.Background(), "https://a.test/x", batch.Result{}))
	}
	assert.Empty(t, sub.batches)
}

func TestSamplingUsesConfiguredSource(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	rolls := []float64{0.5, 0.001, 0.9, 0.002}
	i := 0
	r := New(&countingSink{}, sub, Config{
		SampleRate: 0.01,
		FlushAt:    2,
		Rand: func() float64 {
			v := rolls[i%len(rolls)]
			i++
			return v
		},
	}, nil)

	urls := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3", "https://a.test/4"}
	for _, u := range urls {
		require.NoError(t, r.OnSuccess(context.Background(), u, batch.Result{}))
	}

	// Only the rolls below the rate (urls 2 and 4) are sampled.
	require.Len(t, sub.batches, 1)
	assert.Equal(t, []string{"https://a.test/2", "https://a.test/4"}, sub.batches[0])
}

func TestFlushSubmitsRemainder(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	r := New(&countingSink{}, sub, Config{SampleRate: 1, FlushAt: 100}, nil)

	require.NoError(t, r.OnSuccess(context.Background(), "https://a.test/1", batch.Result{}))
	require.Empty(t, sub.batches)

	r.Flush()
	require.Len(t, sub.batches, 1)
	assert.Equal(t, []string{"https://a.test/1"}, sub.batches[0])

	// Flushing an empty buffer is a no-op.
	r.Flush()
	assert.Len(t, sub.batches, 1)
}

func TestFailuresDelegateWithoutSampling(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	inner := &countingSink{}
	r := New(inner, sub, Config{SampleRate: 1, FlushAt: 1}, nil)

	require.NoError(t, r.OnPermanentFailure(context.Background(), "https://a.test/bad", batch.FailureClientError, "status 404"))
	assert.Equal(t, 1, inner.failures)
	assert.Empty(t, sub.batches)
}
