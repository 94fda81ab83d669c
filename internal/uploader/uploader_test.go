package uploader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidrec/internal/metrics"
	"rapidrec/internal/storage"
	"rapidrec/pkg/models"
)

func writeSegment(t *testing.T, dir, key, body string) *models.Segment {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return &models.Segment{Key: key, Path: path, Size: int64(len(body))}
}

func TestUploadToLocalStorage(t *testing.T) {
	out := t.TempDir()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	u := New(store, Config{Workers: 2, DeleteLocal: true}, m, nil)

	segs := []*models.Segment{
		writeSegment(t, out, "show/show_001.flv", "first"),
		writeSegment(t, out, "show/show_002.flv", "second"),
	}
	for _, seg := range segs {
		require.NoError(t, u.Enqueue(seg))
	}
	u.Close()
	assert.ErrorIs(t, u.Enqueue(segs[0]), ErrClosed)
	require.NoError(t, u.Run(context.Background()))

	objects, err := store.List(context.Background(), "show/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	for _, seg := range segs {
		assert.True(t, seg.Uploaded())
		_, err := os.Stat(seg.Path)
		assert.True(t, os.IsNotExist(err), "local copy deleted")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Uploads.WithLabelValues("success")))
	assert.Equal(t, 11.0, testutil.ToFloat64(m.BytesUploaded))
}

// flakyStorage fails the first failures puts
type flakyStorage struct {
	storage.Storage
	failures int32
	calls    atomic.Int32
}

func (s *flakyStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if s.calls.Add(1) <= s.failures {
		return 0, errors.New("unavailable")
	}
	return io.Copy(io.Discard, r)
}

func TestUploadRetries(t *testing.T) {
	out := t.TempDir()
	store := &flakyStorage{failures: 2}
	m := metrics.New(prometheus.NewRegistry())
	u := New(store, Config{Workers: 1, Retries: 2, RetryDelay: time.Millisecond}, m, nil)

	seg := writeSegment(t, out, "a.flv", "data")
	require.NoError(t, u.Enqueue(seg))
	u.Close()
	require.NoError(t, u.Run(context.Background()))

	assert.True(t, seg.Uploaded())
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Uploads.WithLabelValues("failure")))
	_, err := os.Stat(seg.Path)
	assert.NoError(t, err, "local copy kept")
}

func TestUploadGivesUp(t *testing.T) {
	store := &flakyStorage{failures: 100}
	u := New(store, Config{Workers: 1, Retries: 1, RetryDelay: time.Millisecond, DeleteLocal: true}, nil, nil)

	seg := writeSegment(t, t.TempDir(), "a.flv", "data")
	u.Handle(seg)
	u.Close()
	require.NoError(t, u.Run(context.Background()))

	assert.False(t, seg.Uploaded())
	assert.Equal(t, int32(2), store.calls.Load())
	_, err := os.Stat(seg.Path)
	assert.NoError(t, err, "failed upload keeps the local file")
}

func TestQueueFull(t *testing.T) {
	u := New(&flakyStorage{}, Config{QueueSize: 1}, nil, nil)
	require.NoError(t, u.Enqueue(&models.Segment{}))
	assert.ErrorIs(t, u.Enqueue(&models.Segment{}), ErrQueueFull)
}
