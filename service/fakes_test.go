package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/pkg/media"
	"live-recorder/repository"
)

func newStore(t *testing.T) repository.ChunkStore {
	t.Helper()
	store, err := repository.NewBadgerStore(repository.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeStream struct {
	released atomic.Bool
}

func (s *fakeStream) Release() { s.released.Store(true) }

type fakeRecorder struct {
	mu       sync.Mutex
	state    constant.RecorderState
	handlers media.Handlers
	stops    int
	// holdStop keeps OnStop from firing until Finish is called.
	holdStop bool
}

func (r *fakeRecorder) Start(_ time.Duration, handlers media.Handlers) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == constant.RecorderStateRecording {
		return media.ErrAlreadyStarted
	}
	r.handlers = handlers
	r.state = constant.RecorderStateRecording
	return nil
}

// Emit delivers one data slice, as the recorder would at the end of a timeslice.
func (r *fakeRecorder) Emit(payload []byte) {
	r.mu.Lock()
	onData := r.handlers.OnData
	r.mu.Unlock()
	onData(payload)
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	r.stops++
	if r.state != constant.RecorderStateRecording {
		r.mu.Unlock()
		return
	}
	r.state = constant.RecorderStateInactive
	hold := r.holdStop
	onStop := r.handlers.OnStop
	r.mu.Unlock()
	if !hold {
		go onStop()
	}
}

func (r *fakeRecorder) Finish() {
	r.mu.Lock()
	onStop := r.handlers.OnStop
	r.mu.Unlock()
	go onStop()
}

func (r *fakeRecorder) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *fakeRecorder) State() constant.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return constant.RecorderStateInactive
	}
	return r.state
}

type fakeSource struct {
	mu          sync.Mutex
	ready       bool
	playable    chan struct{}
	resized     chan struct{}
	streams     []*fakeStream
	recorders   []*fakeRecorder
	recorderErr error
	holdStop    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ready: true, playable: make(chan struct{}), resized: make(chan struct{}, 1)}
}

func (s *fakeSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSource) WaitPlayable(ctx context.Context) error {
	select {
	case <-s.playable:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSource) CaptureStream(context.Context) (media.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &fakeStream{}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSource) NewRecorder(media.Stream, string) (media.Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorderErr != nil {
		return nil, s.recorderErr
	}
	r := &fakeRecorder{holdStop: s.holdStop}
	s.recorders = append(s.recorders, r)
	return r, nil
}

func (s *fakeSource) Resized() <-chan struct{} { return s.resized }

func (s *fakeSource) Recorders() []*fakeRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeRecorder(nil), s.recorders...)
}

func (s *fakeSource) Streams() []*fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeStream(nil), s.streams...)
}

func (s *fakeSource) Recorder(t *testing.T, i int) *fakeRecorder {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Recorders()) > i }, time.Second, 5*time.Millisecond)
	return s.Recorders()[i]
}

type fakeSettings struct {
	mu         sync.Mutex
	rotation   time.Duration
	quota      int64
	autoStart  bool
	autoReload bool
}

func (s *fakeSettings) RotationInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

func (s *fakeSettings) QuotaBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota
}

func (s *fakeSettings) AutoStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStart
}

func (s *fakeSettings) AutoReloadOnFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReload
}

type fakeLiveStatus struct {
	status constant.LiveStatus
	calls  atomic.Int32
}

func (l *fakeLiveStatus) CheckLiveStatus(context.Context) constant.LiveStatus {
	l.calls.Add(1)
	return l.status
}

type fakeReloader struct {
	calls atomic.Int32
}

func (r *fakeReloader) Reload(context.Context) { r.calls.Add(1) }

type fakeThumbs struct {
	image []byte
}

func (f fakeThumbs) ExtractFirstFrame(context.Context, []byte) []byte { return f.image }

type fakeConfirmer bool

func (f fakeConfirmer) Confirm(context.Context, string) bool { return bool(f) }

type recordingPresenter struct {
	mu      sync.Mutex
	clips   []*entities.Record
	evicted []entities.Key
	states  []constant.RecordingState
}

func (p *recordingPresenter) OnClipAdded(_ context.Context, clip *entities.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips = append(p.clips, clip)
}

func (p *recordingPresenter) OnClipsEvicted(_ context.Context, keys []entities.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted = append(p.evicted, keys...)
}

func (p *recordingPresenter) OnStatusChanged(_ context.Context, state constant.RecordingState, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func (p *recordingPresenter) Clips() []*entities.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*entities.Record(nil), p.clips...)
}

func (p *recordingPresenter) Evicted() []entities.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]entities.Key(nil), p.evicted...)
}

func (p *recordingPresenter) States() []constant.RecordingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]constant.RecordingState(nil), p.states...)
}

// failingStore wraps a store and fails or blocks selected calls.
type failingStore struct {
	repository.ChunkStore
	totalSizeErr error
	deleteErr    error
	// deleteFirst keys are really deleted before deleteErr is returned
	deleteFirst  int
	block        chan struct{}
	entered      chan struct{}
}

var errStoreDown = errors.New("store is down")

func (s *failingStore) TotalSize(ctx context.Context, table constant.Table) (int64, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if s.totalSizeErr != nil {
		return 0, s.totalSizeErr
	}
	return s.ChunkStore.TotalSize(ctx, table)
}

func (s *failingStore) DeleteByKeys(ctx context.Context, table constant.Table, keys []entities.Key) error {
	if s.deleteErr != nil {
		n := min(s.deleteFirst, len(keys))
		if err := s.ChunkStore.DeleteByKeys(ctx, table, keys[:n]); err != nil {
			return err
		}
		return s.deleteErr
	}
	return s.ChunkStore.DeleteByKeys(ctx, table, keys)
}
