package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		name string
		out  string
		w, h int
		ok   bool
	}{
		{name: "plain", out: "1280x720\n", w: 1280, h: 720, ok: true},
		{name: "first stream wins", out: "1920x1080\n640x360\n", w: 1920, h: 1080, ok: true},
		{name: "empty", out: "", ok: false},
		{name: "garbage", out: "N/A", ok: false},
		{name: "zero", out: "0x720", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, ok := parseDimensions(tt.out)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
		})
	}
}

func TestMuxerArgs(t *testing.T) {
	args, err := muxerArgs(`video/mp4; codecs="avc1.640028, mp4a.40.2"`)
	require.NoError(t, err)
	assert.Contains(t, args, "frag_keyframe+empty_moov+default_base_moof")

	args, err = muxerArgs("video/webm")
	require.NoError(t, err)
	assert.Equal(t, []string{"-f", "webm"}, args)

	_, err = muxerArgs("audio/ogg")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestNewRecorder_RejectsForeignStream(t *testing.T) {
	src := NewFFmpegSource("rtmp://example/live", "ffmpeg")
	_, err := src.NewRecorder(nil, "video/mp4")
	assert.Error(t, err)
}

func TestReleasedStreamRefusesNewReaders(t *testing.T) {
	src := NewFFmpegSource("rtmp://example/live", "ffmpeg")
	stream, err := src.CaptureStream(context.Background())
	require.NoError(t, err)

	st := stream.(*ffmpegStream)
	canceled := false
	require.NoError(t, st.track(func() { canceled = true }))

	stream.Release()
	assert.True(t, canceled)
	assert.ErrorIs(t, st.track(func() {}), ErrStreamReleased)
}

func TestWaitPlayable_TimesOut(t *testing.T) {
	src := NewFFmpegSource("rtmp://example/live", "ffmpeg")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.False(t, src.Ready())
	assert.ErrorIs(t, src.WaitPlayable(ctx), ErrNotPlayable)
}

func TestThumbnailer(t *testing.T) {
	th := NewFFmpegThumbnailer("")
	assert.Equal(t, "ffmpeg", th.FFmpegPath)
	assert.Contains(t, th.args(), "scale=100:-2")
	assert.Nil(t, th.ExtractFirstFrame(context.Background(), nil))

	th.FFmpegPath = "/nonexistent/ffmpeg"
	assert.Nil(t, th.ExtractFirstFrame(context.Background(), []byte("not a video")))
}
