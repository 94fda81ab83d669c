package httpServer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidrec/internal/auth"
	"rapidrec/internal/metrics"
	"rapidrec/internal/recorder"
	"rapidrec/internal/storage"
	"rapidrec/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// idleSource opens streams that send nothing until cancelled
type idleSource struct{}

func (idleSource) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	context.AfterFunc(ctx, func() { pw.CloseWithError(ctx.Err()) })
	return pr, nil
}

type testServer struct {
	*Server
	store *storage.LocalStorage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := recorder.New(recorder.Config{
		OutputDir:        t.TempDir(),
		FileNameTemplate: "{name}/{name}_{index}.flv",
		ReconnectDelay:   10 * time.Millisecond,
	}, idleSource{}, m, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, rec.Shutdown(ctx))
	})

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	s := New(rec, auth.New(time.Hour, 24*time.Hour), store, m, reg, "rtmp://ingest.example.com:1935", nil)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return &testServer{Server: s, store: store}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestPing(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"message":"pong"`)
}

func TestPublish(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/publish", `{"name":"show"}`)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[models.PublishResponse](t, w)
	assert.Equal(t, "show", resp.Name)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "rtmp://ingest.example.com:1935/live/show?token="+resp.Token, resp.PublishURL)
	assert.NoError(t, s.authManager.Consume(resp.Token, "show"))

	w = s.do(t, http.MethodPost, "/api/v1/publish", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordingLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/recordings", `{"name":"news","url":"https://live.example.com/news.flv"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	info := decode[models.RecordingInfo](t, w)
	assert.Equal(t, "news", info.Name)
	assert.Equal(t, models.SourceHTTPFLV, info.Source)

	w = s.do(t, http.MethodPost, "/api/v1/recordings", `{"name":"news","url":"https://live.example.com/news.flv"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/recordings", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.RecordingListResponse](t, w)
	assert.Equal(t, 1, list.Total)

	w = s.do(t, http.MethodPost, "/api/v1/recordings/news/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/recordings/news", "")
	require.Equal(t, http.StatusOK, w.Code)
	info = decode[models.RecordingInfo](t, w)
	assert.Equal(t, string(models.RecordingStateStopped), info.State)
	assert.NotEmpty(t, info.StoppedAt)

	// a stopped recording can be started again
	w = s.do(t, http.MethodPost, "/api/v1/recordings", `{"name":"news","url":"https://live.example.com/news.flv"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRecordingErrors(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/recordings/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/recordings/missing/stop", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/recordings", `{"name":"x","url":"not a url"}`).Code)
}

func TestArchive(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.store.Put(ctx, "show/show_001.flv", strings.NewReader("FLV-DATA"))
	require.NoError(t, err)
	_, err = s.store.Put(ctx, "other/other_001.flv", strings.NewReader("X"))
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/archive?prefix=show/", "")
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[struct {
		Objects []storage.Object `json:"objects"`
		Total   int              `json:"total"`
	}](t, w)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, "show/show_001.flv", listing.Objects[0].Key)
	assert.Equal(t, int64(8), listing.Objects[0].Size)

	w = s.do(t, http.MethodGet, "/api/v1/archive/show/show_001.flv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FLV-DATA", w.Body.String())
	assert.Equal(t, "video/x-flv", w.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/archive/show/missing.flv", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/archive/show/../../etc/passwd", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	s.do(t, http.MethodGet, "/api/ping", "")
	w := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `path="/api/ping"`)
}
