package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"live-recorder/constant"
	"live-recorder/entities"
)

var (
	ErrTooFewChunks     = errors.New("too few chunks to assemble a clip")
	ErrNotRecording     = errors.New("recorder is not recording")
	ErrAlreadyRecording = errors.New("recorder is already running")
	ErrNotPlayable      = errors.New("source did not become playable in time")
	ErrNotConfirmed     = errors.New("operation was not confirmed")
)

// Presenter is notified whenever the clip archive or the recorder state changes.
// Implementations must not block.
type Presenter interface {
	OnClipAdded(ctx context.Context, clip *entities.Record)
	OnClipsEvicted(ctx context.Context, keys []entities.Key)
	OnStatusChanged(ctx context.Context, state constant.RecordingState, label string)
}

type Confirmer interface {
	Confirm(ctx context.Context, message string) bool
}

// Reloader restarts the whole recorder host; used when in-process recovery is not trusted.
type Reloader interface {
	Reload(ctx context.Context)
}

type LiveStatusChecker interface {
	CheckLiveStatus(ctx context.Context) constant.LiveStatus
}

// ThumbnailExtractor returns nil on any failure.
type ThumbnailExtractor interface {
	ExtractFirstFrame(ctx context.Context, clip []byte) []byte
}

type ProgramInfo interface {
	Program(ctx context.Context) (author, title string)
}

type SettingsReader interface {
	RotationInterval() time.Duration
	QuotaBytes() int64
	AutoStart() bool
	AutoReloadOnFailure() bool
}

// StaticProgram reports a fixed author and title.
type StaticProgram struct {
	Author string
	Title  string
}

func (p StaticProgram) Program(context.Context) (string, string) {
	return sanitizeFileName(p.Author), sanitizeFileName(p.Title)
}

// AlwaysConfirm approves every destructive operation; the control surfaces ask the operator
// before sending the command.
type AlwaysConfirm struct{}

func (AlwaysConfirm) Confirm(context.Context, string) bool { return true }

// LogPresenter writes presenter notifications to the context logger.
type LogPresenter struct{}

func (LogPresenter) OnClipAdded(ctx context.Context, clip *entities.Record) {
	zerolog.Ctx(ctx).Info().
		Str("session_id", clip.SessionID).
		Int64("seq", clip.Seq).
		Int64("size", clip.Size).
		Str("file_name", clip.DownloadFileName).
		Msg("clip added")
}

func (LogPresenter) OnClipsEvicted(ctx context.Context, keys []entities.Key) {
	evicted := make([]string, 0, len(keys))
	for _, key := range keys {
		evicted = append(evicted, key.String())
	}
	zerolog.Ctx(ctx).Info().Strs("keys", evicted).Msg("clips evicted")
}

func (LogPresenter) OnStatusChanged(ctx context.Context, state constant.RecordingState, label string) {
	zerolog.Ctx(ctx).Info().Str("state", state.String()).Str("label", label).Msg("recording status changed")
}

// MultiPresenter fans notifications out to every presenter in order.
type MultiPresenter []Presenter

func (m MultiPresenter) OnClipAdded(ctx context.Context, clip *entities.Record) {
	for _, p := range m {
		p.OnClipAdded(ctx, clip)
	}
}

func (m MultiPresenter) OnClipsEvicted(ctx context.Context, keys []entities.Key) {
	for _, p := range m {
		p.OnClipsEvicted(ctx, keys)
	}
}

func (m MultiPresenter) OnStatusChanged(ctx context.Context, state constant.RecordingState, label string) {
	for _, p := range m {
		p.OnStatusChanged(ctx, state, label)
	}
}
