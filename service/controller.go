package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"live-recorder/config"
	"live-recorder/constant"
	"live-recorder/entities"
	"live-recorder/pkg/media"
	"live-recorder/repository"
)

const clearConfirmMessage = "Delete all recordings?"

type ControllerConfig struct {
	MimeType        string
	Timeslice       time.Duration
	PlayableTimeout time.Duration
	SettleDelay     time.Duration
	QuietPeriod     time.Duration
	// ShutdownTimeout bounds the final assembly when Run's context ends.
	ShutdownTimeout time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.Timeslice <= 0 {
		c.Timeslice = 3 * time.Second
	}
	if c.PlayableTimeout <= 0 {
		c.PlayableTimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = c.Timeslice + time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

type ControllerDeps struct {
	Source     media.Source
	Store      repository.ChunkStore
	Assembler  *SessionAssembler
	Reaper     *CapacityReaper
	Settings   SettingsReader
	LiveStatus LiveStatusChecker
	Program    ProgramInfo
	Presenter  Presenter
	Confirmer  Confirmer
	Reloader   Reloader
}

// settingsWatcher is implemented by config.Settings.
type settingsWatcher interface {
	Watch(key string, fn func(value any)) func()
}

// Controller owns the single active recorder and moves it through
// idle, preparing, recording, rotating, stopped and error.
type Controller struct {
	cfg       ControllerConfig
	source    media.Source
	store     repository.ChunkStore
	assembler *SessionAssembler
	reaper    *CapacityReaper
	settings  SettingsReader
	live      LiveStatusChecker
	program   ProgramInfo
	presenter Presenter
	confirmer Confirmer
	reloader  Reloader

	newSessionID func() string
	now          func() time.Time

	mu            sync.Mutex
	state         constant.RecordingState
	current       *recording
	finalizing    map[*recording]struct{}
	stream        media.Stream
	prepareCancel context.CancelFunc
	rotationTimer *time.Timer
	reapTimer     *time.Timer
	done          chan struct{}
	closeOnce     sync.Once
}

func NewController(deps ControllerDeps, cfg ControllerConfig) *Controller {
	if deps.Presenter == nil {
		deps.Presenter = LogPresenter{}
	}
	if deps.Confirmer == nil {
		deps.Confirmer = AlwaysConfirm{}
	}
	if deps.Program == nil {
		deps.Program = StaticProgram{}
	}
	if deps.Reaper == nil {
		deps.Reaper = NewCapacityReaper(deps.Store)
	}
	c := &Controller{
		cfg:          cfg.withDefaults(),
		source:       deps.Source,
		store:        deps.Store,
		assembler:    deps.Assembler,
		reaper:       deps.Reaper,
		settings:     deps.Settings,
		live:         deps.LiveStatus,
		program:      deps.Program,
		presenter:    deps.Presenter,
		confirmer:    deps.Confirmer,
		reloader:     deps.Reloader,
		newSessionID: func() string { return uuid.New().String() },
		now:          time.Now,
		state:        constant.RecordingStateIdle,
		finalizing:   make(map[*recording]struct{}),
		done:         make(chan struct{}),
	}
	recordingStateGauge.WithLabelValues(c.state.String()).Set(1)
	return c
}

func (c *Controller) State() constant.RecordingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the session of the active recorder, empty when none is running.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.sessionID
}

// Run sweeps stale temps, starts recording when auto-start is on and follows source
// resizes and setting changes until ctx is done. The active recorder is then stopped
// and its session assembled.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.assembler.SweepStaleSessions(ctx, c.cfg.QuietPeriod); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("startup sweep failed")
	}

	if w, ok := c.settings.(settingsWatcher); ok {
		cancelRotation := w.Watch(config.KeyRotationInterval, func(any) { c.onRotationIntervalChanged(ctx) })
		defer cancelRotation()
		cancelQuota := w.Watch(config.KeyQuotaBytes, func(any) { go c.reapNow(ctx) })
		defer cancelQuota()
	}

	if c.settings.AutoStart() && c.liveAtStartup(ctx) {
		go func() {
			if err := c.Start(ctx); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("auto start failed")
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(ctx)
		case <-c.source.Resized():
			if err := c.HandleResize(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("failed to handle resize")
			}
		}
	}
}

// liveAtStartup reports whether the stream is on air. A finished live is not auto started,
// otherwise a source that never becomes playable would reload the process forever.
func (c *Controller) liveAtStartup(ctx context.Context) bool {
	if c.live == nil {
		return true
	}
	status := c.live.CheckLiveStatus(ctx)
	if status == constant.LiveStatusOnAir {
		return true
	}
	zerolog.Ctx(ctx).Info().Str("live_status", string(status)).Msg("live is not on air, skipping auto start")
	c.transition(ctx, constant.RecordingStateIdle, constant.RecordingStateStopped)
	return false
}

func (c *Controller) shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	err := c.Stop(sctx)
	c.Close()
	if errors.Is(err, ErrNotRecording) {
		return nil
	}
	return err
}

// Start waits for the source to become playable, then starts a recorder on a new session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case constant.RecordingStatePreparing, constant.RecordingStateRecording, constant.RecordingStateRotating:
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	prepCtx, cancel := context.WithCancel(ctx)
	c.prepareCancel = cancel
	c.setStateLocked(constant.RecordingStatePreparing)
	c.mu.Unlock()
	c.notifyState(ctx, constant.RecordingStatePreparing)
	defer cancel()

	if !c.source.Ready() {
		zerolog.Ctx(ctx).Info().Dur("timeout", c.cfg.PlayableTimeout).Msg("waiting for source to become playable")
		waitCtx, waitCancel := context.WithTimeout(prepCtx, c.cfg.PlayableTimeout)
		err := c.source.WaitPlayable(waitCtx)
		waitCancel()
		if err != nil {
			if prepCtx.Err() != nil {
				zerolog.Ctx(ctx).Info().Msg("start canceled while preparing")
				c.transition(ctx, constant.RecordingStatePreparing, constant.RecordingStateStopped)
				return prepCtx.Err()
			}
			zerolog.Ctx(ctx).Warn().Err(err).Msg("source did not become playable")
			if c.transition(ctx, constant.RecordingStatePreparing, constant.RecordingStateStopped) {
				c.maybeReload(ctx, "source not playable")
			}
			return errors.Join(ErrNotPlayable, err)
		}
	}

	return c.startRecorder(ctx, constant.RecordingStatePreparing)
}

// startRecorder creates and starts a recorder on a fresh session, provided the controller
// is still in state from.
func (c *Controller) startRecorder(ctx context.Context, from constant.RecordingState) error {
	stream, err := c.captureStream(ctx)
	if err != nil {
		c.fail(ctx, from, err)
		return err
	}
	recorder, err := c.source.NewRecorder(stream, c.cfg.MimeType)
	if err != nil {
		c.fail(ctx, from, err)
		return err
	}

	author, title := c.program.Program(ctx)
	rec := newRecording(ctx, c.newSessionID(), recorder, author, title)
	go rec.runWriter(c.store)

	c.mu.Lock()
	if c.state != from {
		state := c.state
		if c.current == nil && (state == constant.RecordingStateStopped || state == constant.RecordingStateError) {
			c.releaseStreamLocked()
		}
		c.mu.Unlock()
		rec.closeQueue()
		zerolog.Ctx(ctx).Info().Str("state", state.String()).Msg("recorder start abandoned")
		return nil
	}
	err = recorder.Start(c.cfg.Timeslice, media.Handlers{
		OnData: func(payload []byte) { c.onData(rec, payload) },
		OnStop: func() { c.onStop(rec) },
	})
	if err != nil {
		c.mu.Unlock()
		rec.closeQueue()
		c.fail(ctx, from, err)
		return err
	}
	c.current = rec
	c.finalizing[rec] = struct{}{}
	c.prepareCancel = nil
	c.setStateLocked(constant.RecordingStateRecording)
	c.armWatchdogLocked(rec)
	c.armRotationLocked(rec)
	c.mu.Unlock()

	zerolog.Ctx(rec.ctx).Info().Dur("timeslice", c.cfg.Timeslice).Msg("recording started")
	c.notifyState(ctx, constant.RecordingStateRecording)
	return nil
}

func (c *Controller) captureStream(ctx context.Context) (media.Stream, error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		return stream, nil
	}
	stream, err := c.source.CaptureStream(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return stream, nil
}

// fail moves the controller to error when it is still in state from.
func (c *Controller) fail(ctx context.Context, from constant.RecordingState, err error) {
	zerolog.Ctx(ctx).Error().Err(err).Msg("failed to start recorder")
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.releaseStreamLocked()
	c.setStateLocked(constant.RecordingStateError)
	c.mu.Unlock()
	c.notifyState(ctx, constant.RecordingStateError)
	c.maybeReload(ctx, "recorder start failed")
}

func (c *Controller) onData(rec *recording, payload []byte) {
	defer recoverAndLog(rec.ctx, "data callback")
	if len(payload) == 0 {
		return
	}

	index := rec.nextIndex
	rec.nextIndex++
	rec.enqueue(&entities.Record{
		SessionID: rec.sessionID,
		Seq:       index,
		Payload:   payload,
		Size:      int64(len(payload)),
		CreatedAt: c.now(),
		Author:    rec.author,
		Title:     rec.title,
	})

	c.mu.Lock()
	c.armWatchdogLocked(rec)
	c.mu.Unlock()
}

func (c *Controller) onStop(rec *recording) {
	defer c.finishRecording(rec)
	defer recoverAndLog(rec.ctx, "stop callback")

	rec.closeQueue()
	<-rec.writerDone

	c.mu.Lock()
	rec.finished = true
	c.stopWatchdogLocked(rec)
	reason := rec.reason
	if c.current == rec {
		c.current = nil
		if reason == stopReasonNone {
			c.stopRotationLocked()
			c.setStateLocked(constant.RecordingStateStopped)
		}
	}
	if c.current == nil && (c.state == constant.RecordingStateStopped || c.state == constant.RecordingStateError) {
		c.releaseStreamLocked()
	}
	c.mu.Unlock()

	zerolog.Ctx(rec.ctx).Info().Str("reason", reason.String()).Msg("recorder stopped")
	if reason == stopReasonNone {
		c.notifyState(rec.ctx, constant.RecordingStateStopped)
	}

	switch reason {
	case stopReasonRotate:
		c.restart(rec.parent, 0, false)
	case stopReasonResize:
		c.restart(rec.parent, c.cfg.SettleDelay, true)
	}

	if _, err := c.assembler.AssembleSession(rec.parent, rec.sessionID); err != nil && !errors.Is(err, ErrTooFewChunks) {
		zerolog.Ctx(rec.ctx).Error().Err(err).Msg("failed to assemble session")
	}

	if reason == stopReasonRotate || reason == stopReasonResize {
		c.scheduleReap(rec.ctx, c.settings.RotationInterval()/2)
	}
}

func (c *Controller) finishRecording(rec *recording) {
	c.mu.Lock()
	delete(c.finalizing, rec)
	c.mu.Unlock()
	close(rec.stopped)
}

// restart starts the next recorder of a rotation. A resize also drops the captured
// stream and waits for the source to settle.
func (c *Controller) restart(ctx context.Context, settle time.Duration, releaseStream bool) {
	if releaseStream {
		c.mu.Lock()
		c.releaseStreamLocked()
		c.mu.Unlock()
	}
	if settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		}
	}
	if err := c.startRecorder(ctx, constant.RecordingStateRotating); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to start next recorder")
	}
}

// Reset rotates the recorder: the current session is closed and assembled and a new
// session starts. A rotation requested while one is running is ignored.
func (c *Controller) Reset(ctx context.Context) error {
	return c.rotate(ctx, nil, stopReasonRotate)
}

// HandleResize restarts the recorder on a freshly captured stream.
func (c *Controller) HandleResize(ctx context.Context) error {
	return c.rotate(ctx, nil, stopReasonResize)
}

// rotate stops expected (or whatever recorder is current when expected is nil) with reason.
func (c *Controller) rotate(ctx context.Context, expected *recording, reason stopReason) error {
	c.mu.Lock()
	if c.state == constant.RecordingStateRotating {
		c.mu.Unlock()
		zerolog.Ctx(ctx).Debug().Str("trigger", reason.String()).Msg("rotation already in progress")
		return nil
	}
	rec := c.current
	if c.state != constant.RecordingStateRecording || rec == nil || (expected != nil && rec != expected) {
		c.mu.Unlock()
		return ErrNotRecording
	}
	rec.reason = reason
	c.stopWatchdogLocked(rec)
	c.stopRotationLocked()
	c.setStateLocked(constant.RecordingStateRotating)
	c.mu.Unlock()

	rotationsTotal.WithLabelValues(reason.String()).Inc()
	zerolog.Ctx(rec.ctx).Info().Str("trigger", reason.String()).Msg("rotating recorder")
	c.notifyState(ctx, constant.RecordingStateRotating)
	rec.recorder.Stop()
	return nil
}

// Stop stops the recorder and waits until every finished session has been assembled
// or ctx is done. Timers are cleared and a pending preparation is canceled on every path.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, stopReasonStop)
}

func (c *Controller) stop(ctx context.Context, reason stopReason) error {
	c.mu.Lock()
	if c.prepareCancel != nil {
		c.prepareCancel()
		c.prepareCancel = nil
	}
	c.stopRotationLocked()

	var (
		rec         = c.current
		wasActive   bool
		changed     bool
		stopStarted bool
	)
	switch c.state {
	case constant.RecordingStateRecording, constant.RecordingStateRotating:
		wasActive, changed = true, true
		if rec != nil {
			stopStarted = rec.reason == stopReasonNone
			rec.reason = reason
			c.stopWatchdogLocked(rec)
		}
		c.setStateLocked(constant.RecordingStateStopped)
	case constant.RecordingStatePreparing:
		changed = true
		c.setStateLocked(constant.RecordingStateStopped)
	}
	pending := make([]chan struct{}, 0, len(c.finalizing))
	for r := range c.finalizing {
		pending = append(pending, r.stopped)
	}
	c.mu.Unlock()

	if changed {
		c.notifyState(ctx, constant.RecordingStateStopped)
	}
	if rec != nil && stopStarted {
		rec.recorder.Stop()
	}

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !wasActive {
		return ErrNotRecording
	}
	return nil
}

// Clear deletes every temp chunk and clip once confirmed, stopping the recorder first.
// Recording resumes afterwards when auto-start is on.
func (c *Controller) Clear(ctx context.Context) error {
	if !c.confirmer.Confirm(ctx, clearConfirmMessage) {
		return ErrNotConfirmed
	}

	if err := c.stop(ctx, stopReasonStop); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}

	metas, err := c.store.ListMeta(ctx, constant.TableChunks)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to list clips before clearing")
	}
	keys := make([]entities.Key, 0, len(metas))
	for _, m := range metas {
		keys = append(keys, m.Key())
	}

	errTemps := c.store.DeleteAll(ctx, constant.TableTemps)
	errChunks := c.store.DeleteAll(ctx, constant.TableChunks)
	if err := errors.Join(errTemps, errChunks); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to clear recordings")
		return err
	}
	zerolog.Ctx(ctx).Info().Int("clips", len(keys)).Msg("all recordings cleared")
	if len(keys) > 0 {
		c.presenter.OnClipsEvicted(ctx, keys)
	}

	if c.settings.AutoStart() {
		return c.Start(ctx)
	}
	return nil
}

// Reload recovers temps left behind by earlier runs and returns the clips made from them.
func (c *Controller) Reload(ctx context.Context) ([]*entities.Record, error) {
	return c.assembler.SweepStaleSessions(ctx, c.cfg.QuietPeriod)
}

// Close stops every timer. It does not stop the recorder; use Stop for that.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRotationLocked()
	if c.reapTimer != nil {
		c.reapTimer.Stop()
		c.reapTimer = nil
	}
	if c.current != nil {
		c.stopWatchdogLocked(c.current)
	}
	if c.prepareCancel != nil {
		c.prepareCancel()
		c.prepareCancel = nil
	}
}

func (c *Controller) watchdogTimeout() time.Duration {
	return 3 * c.cfg.Timeslice
}

func (c *Controller) armWatchdogLocked(rec *recording) {
	if rec.finished || rec.reason != stopReasonNone {
		return
	}
	c.stopWatchdogLocked(rec)
	rec.watchdogGen++
	gen := rec.watchdogGen
	rec.watchdog = time.AfterFunc(c.watchdogTimeout(), func() { c.onWatchdog(rec, gen) })
}

func (c *Controller) stopWatchdogLocked(rec *recording) {
	if rec.watchdog != nil {
		rec.watchdog.Stop()
		rec.watchdog = nil
	}
	rec.watchdogGen++
}

// onWatchdog runs when no data arrived for three timeslices.
func (c *Controller) onWatchdog(rec *recording, gen int) {
	ctx := rec.ctx
	defer recoverAndLog(ctx, "stall watchdog")

	c.mu.Lock()
	stale := rec.watchdogGen != gen || rec.finished || c.current != rec
	c.mu.Unlock()
	if stale {
		return
	}

	status := constant.LiveStatusUnknown
	if c.live != nil {
		status = c.live.CheckLiveStatus(ctx)
	}
	logger := zerolog.Ctx(ctx).With().Str("live_status", string(status)).Dur("timeout", c.watchdogTimeout()).Logger()

	if status == constant.LiveStatusOnAir {
		if rec.recorder.State() != constant.RecorderStateRecording {
			watchdogFiredTotal.WithLabelValues("inactive").Inc()
			logger.Warn().Msg("no data from an inactive recorder while still live")
			return
		}
		if c.settings.AutoReloadOnFailure() {
			watchdogFiredTotal.WithLabelValues("reload").Inc()
			logger.Warn().Msg("recorder stalled while live, reloading")
			c.reload(ctx)
			return
		}
		watchdogFiredTotal.WithLabelValues("ignored").Inc()
		logger.Warn().Msg("recorder stalled while live, auto reload is off, leaving it running")
		return
	}

	c.mu.Lock()
	if c.current != rec || rec.reason != stopReasonNone {
		c.mu.Unlock()
		return
	}
	rec.reason = stopReasonLiveEnded
	c.stopRotationLocked()
	c.setStateLocked(constant.RecordingStateStopped)
	c.mu.Unlock()

	watchdogFiredTotal.WithLabelValues("live_ended").Inc()
	logger.Info().Msg("live is over, stopping recorder")
	c.notifyState(ctx, constant.RecordingStateStopped)
	rec.recorder.Stop()
}

func (c *Controller) armRotationLocked(rec *recording) {
	c.stopRotationLocked()
	interval := c.settings.RotationInterval()
	c.rotationTimer = time.AfterFunc(interval, func() {
		defer recoverAndLog(rec.ctx, "rotation timer")
		if err := c.rotate(rec.ctx, rec, stopReasonRotate); err != nil && !errors.Is(err, ErrNotRecording) {
			zerolog.Ctx(rec.ctx).Error().Err(err).Msg("rotation failed")
		}
	})
}

func (c *Controller) stopRotationLocked() {
	if c.rotationTimer != nil {
		c.rotationTimer.Stop()
		c.rotationTimer = nil
	}
}

func (c *Controller) onRotationIntervalChanged(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != constant.RecordingStateRecording || c.current == nil {
		return
	}
	zerolog.Ctx(ctx).Info().Dur("interval", c.settings.RotationInterval()).Msg("rotation interval changed")
	c.armRotationLocked(c.current)
}

func (c *Controller) scheduleReap(ctx context.Context, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if c.reapTimer != nil {
		c.reapTimer.Stop()
	}
	c.reapTimer = time.AfterFunc(delay, func() { c.reapNow(ctx) })
}

func (c *Controller) reapNow(ctx context.Context) {
	defer recoverAndLog(ctx, "capacity reap")
	keys := c.reaper.Reap(ctx, constant.TableChunks, c.settings.QuotaBytes())
	if len(keys) > 0 {
		c.presenter.OnClipsEvicted(ctx, keys)
	}
}

func (c *Controller) maybeReload(ctx context.Context, why string) {
	if !c.settings.AutoReloadOnFailure() {
		return
	}
	zerolog.Ctx(ctx).Warn().Str("reason", why).Msg("auto reload on failure")
	c.reload(ctx)
}

func (c *Controller) reload(ctx context.Context) {
	if c.reloader == nil {
		zerolog.Ctx(ctx).Warn().Msg("no reloader configured")
		return
	}
	c.reloader.Reload(ctx)
}

// transition sets to when the controller is still in from.
func (c *Controller) transition(ctx context.Context, from, to constant.RecordingState) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(to)
	c.prepareCancel = nil
	c.mu.Unlock()
	c.notifyState(ctx, to)
	return true
}

func (c *Controller) setStateLocked(state constant.RecordingState) {
	if c.state == state {
		return
	}
	recordingStateGauge.WithLabelValues(c.state.String()).Set(0)
	recordingStateGauge.WithLabelValues(state.String()).Set(1)
	c.state = state
}

func (c *Controller) releaseStreamLocked() {
	if c.stream != nil {
		c.stream.Release()
		c.stream = nil
	}
}

func (c *Controller) notifyState(ctx context.Context, state constant.RecordingState) {
	c.presenter.OnStatusChanged(ctx, state, state.Label())
}
