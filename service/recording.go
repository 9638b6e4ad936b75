package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/pkg/media"
	"live-recorder/repository"
)

type stopReason int

const (
	stopReasonNone stopReason = iota
	stopReasonStop
	stopReasonRotate
	stopReasonResize
	stopReasonLiveEnded
)

func (r stopReason) String() string {
	switch r {
	case stopReasonStop:
		return "stop"
	case stopReasonRotate:
		return "rotate"
	case stopReasonResize:
		return "resize"
	case stopReasonLiveEnded:
		return "live_ended"
	default:
		return "recorder_stopped"
	}
}

// recording is one recorder run. Its callbacks only ever see their own session id.
type recording struct {
	// parent is ctx without the session fields; the next recorder of a rotation starts from it.
	parent    context.Context
	ctx       context.Context
	sessionID string
	recorder  media.Recorder
	author    string
	title     string

	// touched only from the recorder's callback goroutine
	nextIndex int64

	// guarded by Controller.mu
	reason      stopReason
	watchdog    *time.Timer
	watchdogGen int
	finished    bool

	queueMu    sync.Mutex
	pending    []*entities.Record
	closed     bool
	wake       chan struct{}
	writerDone chan struct{}

	stopped chan struct{}
}

func newRecording(ctx context.Context, sessionID string, recorder media.Recorder, author, title string) *recording {
	parent := context.WithoutCancel(ctx)
	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Logger()
	return &recording{
		parent:     parent,
		ctx:        logger.WithContext(parent),
		sessionID:  sessionID,
		recorder:   recorder,
		author:     author,
		title:      title,
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// enqueue hands a temp chunk to the writer without blocking the caller.
func (r *recording) enqueue(record *entities.Record) {
	r.queueMu.Lock()
	if r.closed {
		r.queueMu.Unlock()
		zerolog.Ctx(r.ctx).Warn().Int64("chunk_index", record.Seq).Msg("chunk arrived after the writer closed, dropping it")
		return
	}
	r.pending = append(r.pending, record)
	r.queueMu.Unlock()
	r.signal()
}

func (r *recording) closeQueue() {
	r.queueMu.Lock()
	r.closed = true
	r.queueMu.Unlock()
	r.signal()
}

func (r *recording) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// runWriter persists queued temp chunks in arrival order, which is chunk index order.
func (r *recording) runWriter(store repository.ChunkStore) {
	defer close(r.writerDone)
	for {
		r.queueMu.Lock()
		batch := r.pending
		r.pending = nil
		closed := r.closed
		r.queueMu.Unlock()

		for _, record := range batch {
			if _, err := store.Append(r.ctx, constant.TableTemps, record); err != nil {
				chunkWriteErrorsTotal.Inc()
				zerolog.Ctx(r.ctx).Error().Err(err).Int64("chunk_index", record.Seq).Msg("failed to save temp chunk, dropping it")
				continue
			}
			chunksWrittenTotal.Inc()
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-r.wake
	}
}

func recoverAndLog(ctx context.Context, where string) {
	if r := recover(); r != nil {
		zerolog.Ctx(ctx).Error().Interface("panic", r).Str("where", where).Msg("recovered from panic")
	}
}
