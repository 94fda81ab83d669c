// Package recorder runs one segmentation engine per download and keeps the
// registry of recordings served by the API.
package recorder

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rapidrec/internal/flv"
	"rapidrec/internal/metrics"
	"rapidrec/internal/segmenter"
	"rapidrec/internal/source"
	"rapidrec/pkg/models"
)

var (
	ErrAlreadyActive = errors.New("recording is already active")
	ErrNotFound      = errors.New("recording not found")
)

// Config holds the recorder settings
type Config struct {
	OutputDir         string
	FileNameTemplate  string
	Policy            segmenter.Policy
	KeyframeSlots     int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// SegmentHandler is called for every closed segment, from the recording goroutine
type SegmentHandler func(seg *models.Segment)

// Manager handles recording lifecycle and maintains in-memory registry
type Manager struct {
	cfg     Config
	source  source.Opener
	metrics *metrics.Metrics
	log     *logrus.Entry

	recordings map[string]*entry // name -> recording
	handlers   []SegmentHandler
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

type entry struct {
	rec    *models.Recording
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a recorder. src is used for pull recordings and may be nil
// when only pushed streams are recorded.
func New(cfg Config, src source.Opener, m *metrics.Metrics, log *logrus.Entry) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:        cfg,
		source:     src,
		metrics:    m,
		log:        log.WithField("component", "recorder"),
		recordings: make(map[string]*entry),
	}
}

// OnSegment registers a handler for closed segments
func (m *Manager) OnSegment(h SegmentHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// register adds a recording, replacing a stopped one with the same name
func (m *Manager) register(ctx context.Context, name, kind, url string) (*entry, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, exists := m.recordings[name]; exists && e.rec.IsActive() {
		return nil, nil, errors.Wrap(ErrAlreadyActive, name)
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &entry{
		rec:    models.NewRecording(uuid.NewString(), name, kind, url),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.rec.SetState(models.RecordingStateConnecting)
	m.recordings[name] = e
	m.wg.Add(1)
	m.metrics.RecordRecordingStart()
	return e, ctx, nil
}

func (m *Manager) release(e *entry) {
	e.cancel()
	e.rec.SetState(models.RecordingStateStopped)
	m.metrics.RecordRecordingStop(time.Since(e.rec.StartedAt).Seconds())
	close(e.done)
	m.wg.Done()
}

// StartPull starts recording url under name. Downloads are retried with a
// growing delay until Stop is called or ctx is done.
func (m *Manager) StartPull(ctx context.Context, name, url string) (*models.Recording, error) {
	if m.source == nil {
		return nil, errors.New("pull recordings are not configured")
	}
	e, ctx, err := m.register(ctx, name, models.SourceHTTPFLV, url)
	if err != nil {
		return nil, err
	}

	go func() {
		defer m.release(e)
		m.pull(ctx, e.rec)
	}()
	return e.rec, nil
}

func (m *Manager) pull(ctx context.Context, rec *models.Recording) {
	log := m.log.WithFields(logrus.Fields{"recording": rec.Name, "id": rec.ID})
	delay := m.cfg.ReconnectDelay

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			rec.SetState(models.RecordingStateReconnecting)
			m.metrics.RecordReconnect(rec.Name)
			log.WithField("delay", delay).Info("Reconnecting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		body, err := m.source.Open(ctx, rec.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Failed to open source")
			rec.SetError(err)
			delay = min(delay*2, m.cfg.MaxReconnectDelay)
			continue
		}

		before := rec.NextSegmentIndex()
		err = m.session(ctx, rec, body)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, flv.ErrHeaderInvalid) {
			// the source does not serve FLV, retrying cannot help
			log.WithError(err).Error("Source is not an FLV stream, stopping")
			rec.SetError(err)
			return
		}
		if err != nil {
			log.WithError(err).Warn("Download failed")
			rec.SetError(err)
		}

		// a download that produced output resets the backoff
		if rec.NextSegmentIndex() > before {
			delay = m.cfg.ReconnectDelay
		} else {
			delay = min(delay*2, m.cfg.MaxReconnectDelay)
		}
	}
}

// Record writes a pushed stream under name until r ends, Stop is called or
// ctx is done. r is closed when the recording is stopped.
func (m *Manager) Record(ctx context.Context, name, remote string, r io.ReadCloser) error {
	e, ctx, err := m.register(ctx, name, models.SourceRTMP, remote)
	if err != nil {
		return err
	}
	defer m.release(e)

	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	return m.session(ctx, e.rec, r)
}

// session runs one engine over one download
func (m *Manager) session(ctx context.Context, rec *models.Recording, r io.Reader) error {
	session := rec.StartSession()
	log := m.log.WithFields(logrus.Fields{
		"recording": rec.Name,
		"id":        rec.ID,
		"session":   session,
	})

	indexes := make(map[string]int)
	var engine *segmenter.Engine
	engine = segmenter.New(segmenter.Options{
		Policy:        m.cfg.Policy,
		KeyframeSlots: m.cfg.KeyframeSlots,
		Logger:        log,
		Metrics:       m.metrics,
		PathProvider: func(int) string {
			index := rec.NextSegmentIndex()
			key := ExpandTemplate(m.cfg.FileNameTemplate, TemplateVars{
				Name:    rec.Name,
				ID:      rec.ID,
				Session: session,
				Index:   index,
				Time:    time.Now(),
			})
			path := filepath.Join(m.cfg.OutputDir, filepath.FromSlash(key))
			indexes[path] = index
			return path
		},
		Callbacks: segmenter.Callbacks{
			OnSegmentStarted: func(path string, createdAt int64) {
				rec.SegmentOpened(path)
				rec.SetState(models.RecordingStateRecording)
			},
			OnSegmentClosed: func(_ int, path string, createdAt, closedAt int64) {
				segs := engine.Segments()
				closed := segs[len(segs)-1]
				m.segmentClosed(rec, &models.Segment{
					Recording: rec.Name,
					Index:     indexes[path],
					Path:      path,
					Key:       m.key(path),
					Size:      closed.Size,
					Duration:  closed.Duration,
					Keyframes: closed.Keyframes,
					Finalized: closed.Finalized,
					CreatedAt: time.UnixMilli(createdAt),
					ClosedAt:  time.UnixMilli(closedAt),
				})
				delete(indexes, path)
			},
		},
	})

	log.Info("Download started")
	err := engine.Run(ctx, r)
	log.WithField("segments", len(engine.Segments())).Info("Download finished")
	return err
}

func (m *Manager) segmentClosed(rec *models.Recording, seg *models.Segment) {
	rec.AddSegment(seg)

	m.mu.RLock()
	handlers := m.handlers
	m.mu.RUnlock()
	for _, h := range handlers {
		h(seg)
	}
}

// key returns path relative to the output directory with forward slashes
func (m *Manager) key(path string) string {
	rel, err := filepath.Rel(m.cfg.OutputDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Stop stops a recording and waits until its open segment is finalized
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.RLock()
	e, exists := m.recordings[name]
	m.mu.RUnlock()

	if !exists {
		return errors.Wrap(ErrNotFound, name)
	}

	if e.rec.IsActive() {
		e.rec.SetState(models.RecordingStateStopping)
	}
	e.cancel()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get retrieves a recording by name
func (m *Manager) Get(name string) (*models.Recording, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.recordings[name]
	if !exists {
		return nil, false
	}
	return e.rec, true
}

// List returns all recordings sorted by name
func (m *Manager) List() []*models.Recording {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]*models.Recording, 0, len(m.recordings))
	for _, e := range m.recordings {
		recs = append(recs, e.rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs
}

// ActiveCount returns the number of recordings that have not stopped
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.recordings {
		if e.rec.IsActive() {
			count++
		}
	}
	return count
}

// Shutdown stops every recording and waits for them to finish
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, e := range m.recordings {
		e.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
