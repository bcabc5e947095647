package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/collab"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/history"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/logstore"
	"github.com/zyonwee/cs3219-ay2526s1-project-g36/backend/internal/store"
)

type recordingRelay struct {
	mu      sync.Mutex
	updates [][]byte
	states  [][]byte
}

func (r *recordingRelay) RelayUpdate(_, _ string, update []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recordingRelay) RelayState(_, _ string, state []byte, _ []history.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func newTestRouter(t *testing.T, svc collab.Service, relay Relay) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/collab", func(c *gin.Context) {
		c.Set("userId", "7")
		c.Next()
	})
	NewSessions(svc, relay, nil).Register(g)
	return r
}

func newService(t *testing.T) *collab.SessionService {
	t.Helper()
	kv, err := store.OpenBolt(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	svc := collab.NewService(logstore.New(kv, nil), collab.Options{})
	t.Cleanup(svc.Close)
	return svc
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestSessions_StateAndLanguage(t *testing.T) {
	r := newTestRouter(t, newService(t), nil)

	w, body := do(t, r, http.MethodGet, "/collab/sessions/s1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", body["text"])
	assert.Equal(t, collab.DefaultLanguage, body["language"])
	assert.NotEmpty(t, body["state"])

	w, _ = do(t, r, http.MethodPut, "/collab/sessions/s1/language", gin.H{"language": "cpp"})
	require.Equal(t, http.StatusOK, w.Code)
	w, body = do(t, r, http.MethodGet, "/collab/sessions/s1/language", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cpp", body["language"])

	w, body = do(t, r, http.MethodPut, "/collab/sessions/s1/language", gin.H{"language": "cobol"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])
}

func TestSessions_RevertFlow(t *testing.T) {
	relay := &recordingRelay{}
	r := newTestRouter(t, newService(t), relay)

	w, _ := do(t, r, http.MethodGet, "/collab/sessions/s1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	before := time.Now()
	time.Sleep(5 * time.Millisecond)

	w, body := do(t, r, http.MethodPost, "/collab/sessions/s1/revert/soft", gin.H{"text": "draft"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["update"])
	require.Len(t, relay.updates, 1)

	_, body = do(t, r, http.MethodGet, "/collab/sessions/s1/state", nil)
	assert.Equal(t, "draft", body["text"])

	w, body = do(t, r, http.MethodGet, fmt.Sprintf("/collab/sessions/s1/text?at=%d", before.UnixMilli()), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", body["text"])

	w, body = do(t, r, http.MethodGet, "/collab/sessions/s1/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["history"], 1)

	w, _ = do(t, r, http.MethodPost, "/collab/sessions/s1/revert/hard", gin.H{"timestamp": before.UnixMilli()})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, relay.states, 1)

	_, body = do(t, r, http.MethodGet, "/collab/sessions/s1/state", nil)
	assert.Equal(t, "", body["text"])
}

func TestSessions_BadRequests(t *testing.T) {
	r := newTestRouter(t, newService(t), nil)

	cases := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/collab/sessions/s1/history?limit=abc", nil},
		{http.MethodGet, "/collab/sessions/s1/text?at=soon", nil},
		{http.MethodGet, "/collab/sessions/s1/text", nil},
		{http.MethodPost, "/collab/sessions/s1/revert/hard", gin.H{}},
		{http.MethodPut, "/collab/sessions/s1/language", gin.H{}},
		{http.MethodGet, "/collab/sessions/bad:id/state", nil},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w, body := do(t, r, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_INPUT", body["code"])
		})
	}
}

// unavailableService 模拟存储故障
type unavailableService struct {
	collab.Service
}

func (unavailableService) GetHistory(context.Context, string, int) ([]history.Record, error) {
	return nil, fmt.Errorf("read history: %w", collab.ErrStorageUnavailable)
}

func TestSessions_StorageUnavailable(t *testing.T) {
	r := newTestRouter(t, unavailableService{}, nil)
	w, body := do(t, r, http.MethodGet, "/collab/sessions/s1/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORAGE_UNAVAILABLE", body["code"])
}
