package media

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// FFmpegThumbnailer grabs the first video frame of a clip as a small JPEG.
type FFmpegThumbnailer struct {
	FFmpegPath string
	Width      int
	Timeout    time.Duration
}

func NewFFmpegThumbnailer(ffmpegPath string) *FFmpegThumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegThumbnailer{FFmpegPath: ffmpegPath, Width: 100, Timeout: 20 * time.Second}
}

func (t *FFmpegThumbnailer) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-frames:v", "1",
		"-vf", "scale=" + strconv.Itoa(t.Width) + ":-2",
		"-q:v", "5",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	}
}

// ExtractFirstFrame never fails: any problem yields a nil image.
func (t *FFmpegThumbnailer) ExtractFirstFrame(ctx context.Context, clip []byte) []byte {
	if len(clip) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.FFmpegPath, t.args()...)
	cmd.Stdin = bytes.NewReader(clip)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("ffmpeg_output", stderr.String()).Msg("failed to extract first frame")
		return nil
	}
	if stdout.Len() == 0 {
		return nil
	}
	return stdout.Bytes()
}
