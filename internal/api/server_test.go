package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urlsieve/urlsieve/internal/batch"
	"github.com/urlsieve/urlsieve/internal/config"
	"github.com/urlsieve/urlsieve/internal/scheduler"
)

// fakeEngine satisfies Engine with canned responses.
type fakeEngine struct {
	batches map[string]batch.Batch
	lastOp  string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{batches: map[string]batch.Batch{}}
}

func (f *fakeEngine) Submit(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", scheduler.ErrEmptyBatch
	}
	id := fmt.Sprintf("batch-%d", len(f.batches)+1)
	f.batches[id] = batch.Batch{ID: id, Status: batch.StatusRunning, Submitted: time.Now()}
	return id, nil
}

func (f *fakeEngine) SubmitWithID(id string, urls []string) (string, error) {
	if _, ok := f.batches[id]; ok {
		return "", scheduler.ErrBatchExists
	}
	if len(urls) == 0 {
		return "", scheduler.ErrEmptyBatch
	}
	f.batches[id] = batch.Batch{ID: id, Status: batch.StatusRunning, Submitted: time.Now()}
	return id, nil
}

func (f *fakeEngine) Status(id string) (batch.Batch, error) {
	b, ok := f.batches[id]
	if !ok {
		return batch.Batch{}, scheduler.ErrBatchNotFound
	}
	return b, nil
}

func (f *fakeEngine) List() []batch.Batch {
	out := make([]batch.Batch, 0, len(f.batches))
	for _, b := range f.batches {
		out = append(out, b)
	}
	return out
}

func (f *fakeEngine) op(id, name string) error {
	if _, ok := f.batches[id]; !ok {
		return scheduler.ErrBatchNotFound
	}
	f.lastOp = name + ":" + id
	return nil
}

func (f *fakeEngine) Pause(id string) error  { return f.op(id, "pause") }
func (f *fakeEngine) Resume(id string) error { return f.op(id, "resume") }
func (f *fakeEngine) Cancel(id string) error { return f.op(id, "cancel") }
func (f *fakeEngine) Delete(id string) error { return f.op(id, "delete") }

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	srv := httptest.NewServer(NewServer(eng, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitAndStatus(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	resp, err := http.Post(srv.URL+"/v1/batches", "application/json",
		strings.NewReader(`{"urls":["https://example.com/a"]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["batch_id"].(string)
	require.NotEmpty(t, id)

	resp, err = http.Get(srv.URL + "/v1/batches/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decodeBody(t, resp)["id"])
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	resp, err := http.Post(srv.URL+"/v1/batches", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/batches", "application/json", strings.NewReader(`{"urls":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResubmitConflicts(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	body := `{"id":"known","urls":["https://example.com/a"]}`
	resp, err := http.Post(srv.URL+"/v1/batches", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/batches", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLifecycleRoutes(t *testing.T) {
	t.Parallel()
	srv, eng := newTestServer(t, config.Config{})
	id, err := eng.Submit([]string{"https://example.com/a"})
	require.NoError(t, err)

	for _, action := range []string{"pause", "resume", "cancel"} {
		resp, err := http.Post(srv.URL+"/v1/batches/"+id+"/"+action, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, action)
		assert.Equal(t, action+":"+id, eng.lastOp)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/batches/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/batches/unknown/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyGatesV1Routes(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{
		Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"},
	})

	resp, err := http.Get(srv.URL + "/v1/batches")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/batches", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health endpoints stay open.
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body := decodeBody(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["status"])
	}
}
