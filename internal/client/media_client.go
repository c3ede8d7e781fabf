package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/slidevoice/api/internal/config"
)

// subtitleStyle is the burned-in caption look: white text, black outline.
const subtitleStyle = "FontSize=18,PrimaryColour=&Hffffff,OutlineColour=&H000000,Outline=2"

// MediaEncoder wraps the ffmpeg operations the pipeline needs.
type MediaEncoder interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	EncodeSegment(ctx context.Context, args SegmentArgs) error
	Concat(ctx context.Context, args ConcatArgs) error
	BurnSubtitles(ctx context.Context, args SubtitleArgs) error
	Resample(ctx context.Context, in, out string, sampleRate int) error
	SilentAudio(ctx context.Context, out string, seconds float64) error
}

// SegmentArgs describes one still-image video segment with narration.
type SegmentArgs struct {
	Image    string
	Audio    string
	Duration float64
	Output   string
}

// ConcatArgs joins segments with the concat demuxer.
type ConcatArgs struct {
	Segments []string
	ListPath string
	Output   string
}

// SubtitleArgs burns an SRT file into a video.
type SubtitleArgs struct {
	Video     string
	Subtitles string
	Output    string
}

// FFmpegClient implements MediaEncoder with the ffmpeg/ffprobe CLIs.
type FFmpegClient struct {
	ffmpegPath  string
	ffprobePath string
	width       int
	height      int
	runner      CommandRunner
}

// NewFFmpegClient creates an encoder from config.
func NewFFmpegClient(cfg *config.MediaConfig, runner CommandRunner) *FFmpegClient {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &FFmpegClient{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		width:       cfg.Width,
		height:      cfg.Height,
		runner:      runner,
	}
}

// ProbeDuration returns the container duration in seconds.
func (c *FFmpegClient) ProbeDuration(ctx context.Context, path string) (float64, error) {
	log, err := runTool(ctx, c.runner, "ffprobe", "", c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}

	out := strings.TrimSpace(log.Stdout)
	seconds, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, &ToolError{Tool: "ffprobe", Log: log, Err: fmt.Errorf("unparseable duration %q", out)}
	}
	return seconds, nil
}

// EncodeSegment renders a looped still image over the audio track.
func (c *FFmpegClient) EncodeSegment(ctx context.Context, args SegmentArgs) error {
	_, err := runTool(ctx, c.runner, "ffmpeg", "", c.ffmpegPath, c.segmentArgs(args)...)
	return err
}

func (c *FFmpegClient) segmentArgs(args SegmentArgs) []string {
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		c.width, c.height, c.width, c.height)
	return []string{
		"-y",
		"-loop", "1",
		"-i", args.Image,
		"-i", args.Audio,
		"-c:v", "libx264",
		"-t", strconv.FormatFloat(args.Duration, 'f', 3, 64),
		"-pix_fmt", "yuv420p",
		"-vf", scale,
		"-c:a", "aac",
		args.Output,
	}
}

// Concat writes the concat list and joins the segments without re-encoding.
func (c *FFmpegClient) Concat(ctx context.Context, args ConcatArgs) error {
	if err := writeConcatList(args.ListPath, args.Segments); err != nil {
		return err
	}
	_, err := runTool(ctx, c.runner, "ffmpeg", "", c.ffmpegPath,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", args.ListPath,
		"-c", "copy",
		args.Output,
	)
	return err
}

// BurnSubtitles re-encodes the video with the subtitle track rendered in.
func (c *FFmpegClient) BurnSubtitles(ctx context.Context, args SubtitleArgs) error {
	filter := fmt.Sprintf("subtitles=%s:force_style='%s'", escapeFilterPath(args.Subtitles), subtitleStyle)
	_, err := runTool(ctx, c.runner, "ffmpeg", "", c.ffmpegPath,
		"-y",
		"-i", args.Video,
		"-vf", filter,
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", "fast",
		args.Output,
	)
	return err
}

// Resample converts an audio file to mono at the given sample rate.
func (c *FFmpegClient) Resample(ctx context.Context, in, out string, sampleRate int) error {
	_, err := runTool(ctx, c.runner, "ffmpeg", "", c.ffmpegPath,
		"-y",
		"-i", in,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		out,
	)
	return err
}

// SilentAudio writes a silent mono wav of the given length.
func (c *FFmpegClient) SilentAudio(ctx context.Context, out string, seconds float64) error {
	_, err := runTool(ctx, c.runner, "ffmpeg", "", c.ffmpegPath,
		"-y",
		"-f", "lavfi",
		"-i", "anullsrc=r=24000:cl=mono",
		"-t", strconv.FormatFloat(seconds, 'f', 3, 64),
		out,
	)
	return err
}

func writeConcatList(listPath string, segments []string) error {
	var b strings.Builder
	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			return fmt.Errorf("failed to resolve segment path: %w", err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return nil
}

// escapeFilterPath quotes characters that the ffmpeg filter parser treats specially.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return r.Replace(p)
}

// Cue is one subtitle entry.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// WriteSRT writes cues in SubRip format.
func WriteSRT(path string, cues []Cue) error {
	var b strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(cue.Start), srtTimestamp(cue.End), strings.TrimSpace(cue.Text))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write subtitles: %w", err)
	}
	return nil
}

// srtTimestamp formats d as HH:MM:SS,mmm.
func srtTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}
