package segmenter

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"rapidrec/internal/flv"
	"rapidrec/internal/metadata"
)

// rotateSegment closes the current segment and opens the next one. at is the
// tag that will start the new segment.
func (e *Engine) rotateSegment(at *flv.Tag, reason string) error {
	e.setState(StateRotating)

	jp := metadata.JoinPoint{
		Segment:      e.index,
		Timestamp:    at.Header.Timestamp,
		FilePosition: e.written + e.sink.Position(),
	}
	e.acc.Info().JoinPoints = append(e.acc.Info().JoinPoints, jp)
	e.mu.Lock()
	e.joinPoints = append(e.joinPoints, jp)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"segment":   e.index,
		"reason":    reason,
		"timestamp": jp.Timestamp,
	}).Info("Rotating segment")
	e.opts.Metrics.RecordRotation(reason)

	if err := e.closeSegment(); err != nil {
		return err
	}
	e.rotate = false
	e.reason = ""
	if err := e.openSegment(); err != nil {
		return err
	}
	e.setState(StateStreaming)
	return nil
}

// openSegment opens the next output and replays the carry-over state:
// header, video sequence header, audio sequence header, placeholder metadata.
func (e *Engine) openSegment() error {
	e.index++
	path := e.opts.PathProvider(e.index)

	sink, err := e.opts.OpenSink(path)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", e.index, err)
	}
	e.sink = sink
	e.createdAt = e.opts.Now()
	e.baseSet = false
	e.acc.Reset(nil)

	flags := e.cache.header.Flags
	if e.cache.videoSeq != nil {
		flags |= flv.FlagVideo
	}
	if e.cache.audioSeq != nil {
		flags |= flv.FlagAudio
	}
	if err := sink.WriteHeader(e.cache.header.WithFlags(flags)); err != nil {
		return err
	}

	for _, seq := range []*flv.Tag{e.cache.videoSeq, e.cache.audioSeq} {
		if seq == nil {
			continue
		}
		if err := e.replay(seq.WithTimestamp(0)); err != nil {
			return err
		}
	}

	script := metadata.NewPlaceholder(e.cache.metadata, e.acc.Info(), e.opts.KeyframeSlots)
	if err := e.replay(flv.NewTag(0, script)); err != nil {
		return err
	}

	e.opts.Metrics.RecordSegmentOpened()
	e.log.WithFields(logrus.Fields{
		"segment": e.index,
		"path":    path,
	}).Info("Segment opened")

	if cb := e.opts.Callbacks.OnSegmentStarted; cb != nil {
		cb(path, e.createdAt.UnixMilli())
	}
	return nil
}

func (e *Engine) replay(tag *flv.Tag) error {
	pos := e.sink.Position()
	if err := e.sink.WriteTag(tag); err != nil {
		return err
	}
	e.acc.Observe(tag, pos, false)
	return nil
}

// closeSegment flushes the current output and rewrites its metadata.
// A failed finalization leaves a playable file without seek index.
func (e *Engine) closeSegment() error {
	e.setState(StateFinalizing)

	sink := e.sink
	e.sink = nil
	info := e.acc.Snapshot()
	size := sink.Position()
	e.written += size

	closeErr := sink.Close()
	closedAt := e.opts.Now()

	log := e.log.WithFields(logrus.Fields{
		"segment": e.index,
		"path":    sink.Path(),
	})

	finalized := false
	if closeErr == nil {
		ok, err := metadata.Finalize(sink.Path(), info)
		switch {
		case err != nil:
			log.WithError(err).Warn("Failed to finalize segment metadata")
		case !ok:
			log.Warn("Segment metadata was not finalized")
		}
		finalized = ok
	} else {
		log.WithError(closeErr).Error("Failed to close segment")
	}

	seg := Segment{
		Index:     e.index,
		Path:      sink.Path(),
		CreatedAt: e.createdAt,
		ClosedAt:  closedAt,
		Size:      size,
		Duration:  info.Duration(),
		Keyframes: len(info.Keyframes),
		Finalized: finalized,
	}
	e.mu.Lock()
	e.segments = append(e.segments, seg)
	e.mu.Unlock()

	e.opts.Metrics.RecordSegment(seg.Duration.Seconds(), seg.Size, finalized)
	log.WithFields(logrus.Fields{
		"size":      seg.Size,
		"duration":  seg.Duration,
		"keyframes": seg.Keyframes,
	}).Info("Segment closed")

	if cb := e.opts.Callbacks.OnSegmentClosed; cb != nil {
		cb(seg.Index, seg.Path, seg.CreatedAt.UnixMilli(), seg.ClosedAt.UnixMilli())
	}

	if closeErr != nil {
		return fmt.Errorf("close segment %d: %w", e.index, closeErr)
	}
	return nil
}
