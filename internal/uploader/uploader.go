// Package uploader copies closed segments to storage in the background.
package uploader

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rapidrec/internal/metrics"
	"rapidrec/internal/storage"
	"rapidrec/pkg/models"
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("uploader closed")

// ErrQueueFull is returned when the queue cannot take another segment
var ErrQueueFull = errors.New("upload queue full")

// Config holds the uploader settings
type Config struct {
	Workers     int
	QueueSize   int
	Retries     int
	RetryDelay  time.Duration
	DeleteLocal bool
}

// Uploader uploads segments with a fixed number of workers
type Uploader struct {
	cfg     Config
	store   storage.Storage
	metrics *metrics.Metrics
	log     *logrus.Entry

	queue  chan *models.Segment
	mu     sync.Mutex
	closed bool
}

// New creates an uploader. Run must be called to start the workers.
func New(store storage.Storage, cfg Config, m *metrics.Metrics, log *logrus.Entry) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Uploader{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     log.WithField("component", "uploader"),
		queue:   make(chan *models.Segment, cfg.QueueSize),
	}
}

// Enqueue schedules seg for upload without blocking
func (u *Uploader) Enqueue(seg *models.Segment) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	select {
	case u.queue <- seg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Handle is a recorder segment handler. Segments that cannot be queued stay
// on local disk.
func (u *Uploader) Handle(seg *models.Segment) {
	if err := u.Enqueue(seg); err != nil {
		u.log.WithError(err).WithField("key", seg.Key).Warn("Segment not queued for upload")
	}
}

// Close stops accepting segments. Run returns once the queue is drained.
func (u *Uploader) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.closed {
		u.closed = true
		close(u.queue)
	}
}

// Run uploads queued segments until Close was called and the queue is
// empty. Cancelling ctx aborts uploads in flight.
func (u *Uploader) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < u.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for seg := range u.queue {
				if err := u.upload(ctx, seg); err != nil {
					u.log.WithError(err).WithFields(logrus.Fields{
						"worker": worker,
						"key":    seg.Key,
					}).Error("Upload failed")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (u *Uploader) upload(ctx context.Context, seg *models.Segment) error {
	var err error
	for attempt := 0; attempt <= u.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.cfg.RetryDelay):
			}
		}

		start := time.Now()
		var n int64
		n, err = u.put(ctx, seg)
		u.metrics.RecordUpload(err == nil, time.Since(start).Seconds(), n)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.log.WithError(err).WithFields(logrus.Fields{
			"key":     seg.Key,
			"attempt": attempt + 1,
		}).Warn("Upload attempt failed")
	}
	if err != nil {
		return err
	}

	seg.MarkUploaded()
	u.log.WithFields(logrus.Fields{
		"key":  seg.Key,
		"size": seg.Size,
	}).Info("Segment uploaded")

	if u.cfg.DeleteLocal {
		if err := os.Remove(seg.Path); err != nil {
			return errors.Wrap(err, "delete local segment")
		}
	}
	return nil
}

func (u *Uploader) put(ctx context.Context, seg *models.Segment) (int64, error) {
	f, err := os.Open(seg.Path)
	if err != nil {
		return 0, errors.Wrap(err, "open segment")
	}
	defer f.Close()

	n, err := u.store.Put(ctx, seg.Key, f)
	if err != nil {
		return n, errors.Wrapf(err, "put %s", seg.Key)
	}
	return n, nil
}
