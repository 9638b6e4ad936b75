package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-recorder/constant"
)

// FFmpegSource captures a live URL (RTMP, HLS, ...) through ffmpeg. Readiness and
// resolution changes are detected by periodically probing the URL with ffprobe.
type FFmpegSource struct {
	URL           string
	FFmpegPath    string
	FFprobePath   string
	ProbeInterval time.Duration

	mu      sync.Mutex
	ready   bool
	width   int
	height  int
	playing chan struct{}
	resized chan struct{}
}

func NewFFmpegSource(url, ffmpegPath string) *FFmpegSource {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegSource{
		URL:           url,
		FFmpegPath:    ffmpegPath,
		FFprobePath:   strings.TrimSuffix(ffmpegPath, "ffmpeg") + "ffprobe",
		ProbeInterval: 5 * time.Second,
		playing:       make(chan struct{}),
		resized:       make(chan struct{}, 1),
	}
}

// Watch probes the source until ctx is done.
func (s *FFmpegSource) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.ProbeInterval)
	defer ticker.Stop()
	for {
		s.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *FFmpegSource) probeOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.ProbeInterval)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=p=0:s=x",
		s.URL,
	)
	output, err := cmd.Output()
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("url", s.URL).Msg("source probe failed")
		return
	}
	width, height, ok := parseDimensions(string(output))
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		s.ready = true
		close(s.playing)
	} else if width != s.width || height != s.height {
		zerolog.Ctx(ctx).Info().
			Int("width", width).Int("height", height).
			Int("previous_width", s.width).Int("previous_height", s.height).
			Msg("source resolution changed")
		select {
		case s.resized <- struct{}{}:
		default:
		}
	}
	s.width, s.height = width, height
}

func parseDimensions(out string) (int, int, bool) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	parts := strings.Split(line, "x")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func (s *FFmpegSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *FFmpegSource) WaitPlayable(ctx context.Context) error {
	s.mu.Lock()
	playing := s.playing
	s.mu.Unlock()
	select {
	case <-playing:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrNotPlayable, ctx.Err())
	}
}

func (s *FFmpegSource) Resized() <-chan struct{} {
	return s.resized
}

type ffmpegStream struct {
	url string

	mu       sync.Mutex
	released bool
	cancels  []context.CancelFunc
}

func (s *FFmpegSource) CaptureStream(ctx context.Context) (Stream, error) {
	return &ffmpegStream{url: s.URL}, nil
}

func (st *ffmpegStream) track(cancel context.CancelFunc) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		return ErrStreamReleased
	}
	st.cancels = append(st.cancels, cancel)
	return nil
}

// Release kills every ffmpeg process reading from this stream.
func (st *ffmpegStream) Release() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.released = true
	for _, cancel := range st.cancels {
		cancel()
	}
	st.cancels = nil
}

func muxerArgs(mimeType string) ([]string, error) {
	switch {
	case strings.HasPrefix(mimeType, "video/mp4"):
		return []string{"-f", "mp4", "-movflags", "frag_keyframe+empty_moov+default_base_moof"}, nil
	case strings.HasPrefix(mimeType, "video/webm"):
		return []string{"-f", "webm"}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
}

func (s *FFmpegSource) NewRecorder(stream Stream, mimeType string) (Recorder, error) {
	st, ok := stream.(*ffmpegStream)
	if !ok {
		return nil, errors.New("stream was not captured from an ffmpeg source")
	}
	muxer, err := muxerArgs(mimeType)
	if err != nil {
		return nil, err
	}
	return &ffmpegRecorder{ffmpegPath: s.FFmpegPath, stream: st, muxer: muxer}, nil
}

// ffmpegRecorder remuxes the stream (no re-encoding) to stdout and hands out whatever
// arrived during each timeslice.
type ffmpegRecorder struct {
	ffmpegPath string
	stream     *ffmpegStream
	muxer      []string

	mu      sync.Mutex
	state   constant.RecorderState
	started bool
	cmd     *exec.Cmd
	buf     bytes.Buffer
}

func (r *ffmpegRecorder) State() constant.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return constant.RecorderStateInactive
	}
	return r.state
}

func (r *ffmpegRecorder) Start(timeslice time.Duration, handlers Handlers) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.stream.track(cancel); err != nil {
		cancel()
		return err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error", "-i", r.stream.url, "-c", "copy"}, r.muxer...)
	args = append(args, "pipe:1")
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.state = constant.RecorderStateRecording
	r.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		chunk := make([]byte, 64*1024)
		for {
			n, err := stdout.Read(chunk)
			if n > 0 {
				r.mu.Lock()
				r.buf.Write(chunk[:n])
				r.mu.Unlock()
			}
			if err != nil {
				// io.EOF once ffmpeg exits; anything else ends the recording too.
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(timeslice)
		defer ticker.Stop()
		defer cancel()
		for {
			select {
			case <-ticker.C:
				handlers.OnData(r.drain())
			case <-readDone:
				_ = cmd.Wait()
				r.mu.Lock()
				r.state = constant.RecorderStateInactive
				r.mu.Unlock()
				if rest := r.drain(); len(rest) > 0 {
					handlers.OnData(rest)
				}
				handlers.OnStop()
				return
			}
		}
	}()
	return nil
}

func (r *ffmpegRecorder) drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	r.buf.Reset()
	return out
}

// Stop asks ffmpeg to finish the file; OnStop fires once it has exited.
func (r *ffmpegRecorder) Stop() {
	r.mu.Lock()
	cmd := r.cmd
	running := r.state == constant.RecorderStateRecording
	r.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
}
