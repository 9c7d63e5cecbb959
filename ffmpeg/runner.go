package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"restorapi/config"
)

// FramePattern names extracted frames; Encode reads the same pattern back.
const FramePattern = "frame_%06d.png"

// Runner wraps the ffmpeg and ffprobe binaries for the video pipeline.
type Runner struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	// Ensure ffmpeg binaries are executable
	ff, err := exec.LookPath(cfg.FFBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	probe, err := exec.LookPath(cfg.FFProbeBin)
	if err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}
	return &Runner{ffmpeg: ff, ffprobe: probe, timeout: cfg.FFTimeout}, nil
}

// FrameRate probes the average frame rate of the first video stream.
func (r *Runner) FrameRate(ctx context.Context, input string) (float64, error) {
	out, err := r.exec(ctx, r.ffprobe, probeArgs(input))
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseFrameRate(out)
}

// ExtractFrames decodes every frame of input into dir as PNG files and returns
// their paths in order.
func (r *Runner) ExtractFrames(ctx context.Context, input, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if _, err := r.exec(ctx, r.ffmpeg, extractArgs(input, dir)); err != nil {
		return nil, fmt.Errorf("frame extraction failed: %w", err)
	}

	frames, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(frames)
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted from %s", input)
	}
	return frames, nil
}

// Encode assembles the frames in dir into an H.264 video at fps, copying the
// audio of audioSrc when it has any.
func (r *Runner) Encode(ctx context.Context, dir string, fps float64, audioSrc, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	if _, err := r.exec(ctx, r.ffmpeg, encodeArgs(dir, fps, audioSrc, output)); err != nil {
		// If the command failed, clean up the (likely empty or partial) output file.
		os.Remove(output)
		return fmt.Errorf("video encoding failed: %w", err)
	}
	return nil
}

func (r *Runner) exec(ctx context.Context, bin string, args []string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Printf("Executing: %s %s", bin, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, lastLines(stderr.String(), 5))
	}
	return stdout.String(), nil
}

func probeArgs(input string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	}
}

func extractArgs(input, dir string) []string {
	return []string{
		"-y", "-v", "error",
		"-i", input,
		"-vsync", "0",
		filepath.Join(dir, FramePattern),
	}
}

func encodeArgs(dir string, fps float64, audioSrc, output string) []string {
	args := []string{
		"-y", "-v", "error",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", filepath.Join(dir, FramePattern),
	}
	if audioSrc != "" {
		args = append(args, "-i", audioSrc, "-map", "0:v", "-map", "1:a?", "-c:a", "aac")
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
	)
	if audioSrc != "" {
		args = append(args, "-shortest")
	}
	return append(args, output)
}

// parseFrameRate reads ffprobe rates such as "30000/1001" or "25".
func parseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	num, den, isRatio := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if isRatio {
		d, err := strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
		}
		if d == 0 {
			return 0, fmt.Errorf("invalid frame rate %q: zero denominator", s)
		}
		n /= d
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
