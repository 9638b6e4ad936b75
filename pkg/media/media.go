// Package media holds the recording primitives the controller drives: a live source
// that can be captured into a stream, and a recorder that slices the stream into
// payloads on a fixed timeslice.
package media

import (
	"context"
	"errors"
	"time"

	"live-recorder/constant"
)

var (
	ErrNotPlayable     = errors.New("source is not playable")
	ErrAlreadyStarted  = errors.New("recorder already started")
	ErrStreamReleased  = errors.New("stream has been released")
	ErrUnsupportedType = errors.New("unsupported mime type")
)

// Source is a live media element.
type Source interface {
	// Ready reports whether the source can be captured right now.
	Ready() bool
	// WaitPlayable blocks until the source becomes playable or ctx is done.
	WaitPlayable(ctx context.Context) error
	CaptureStream(ctx context.Context) (Stream, error)
	NewRecorder(stream Stream, mimeType string) (Recorder, error)
	// Resized signals that the source's native dimensions changed.
	Resized() <-chan struct{}
}

type Stream interface {
	Release()
}

// Handlers are the recorder callbacks. OnData may be called with an empty payload.
// After Stop, a final OnData (if any data is left) precedes OnStop, and OnStop is
// called exactly once. Handlers are never invoked from inside Start or Stop.
type Handlers struct {
	OnData func(payload []byte)
	OnStop func()
}

type Recorder interface {
	Start(timeslice time.Duration, handlers Handlers) error
	Stop()
	State() constant.RecorderState
}
