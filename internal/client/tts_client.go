package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slidevoice/api/internal/config"
	"github.com/slidevoice/api/internal/model"
)

const (
	vibeVoiceBaseModel  = "vibevoice/VibeVoice-1.5B"
	vibeVoiceLargeModel = "vibevoice/VibeVoice-7B"
	vibeVoiceScript     = "demo/inference_from_file.py"

	// reference voices are fed to the model at 24 kHz
	voiceSampleRate = 24000
)

// SpeechSynthesizer turns narration text into an audio file in a reference voice.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// SynthesisRequest is one narration clip to synthesize.
type SynthesisRequest struct {
	Text           string
	ReferenceVoice string
	OutputPath     string
	QualityMode    model.QualityMode
}

// QualityPreset is the model/cfg pair used for a quality mode.
type QualityPreset struct {
	ModelPath string
	CFGScale  float64
}

// PresetFor maps a quality mode to VibeVoice parameters.
func PresetFor(mode model.QualityMode) QualityPreset {
	switch mode {
	case model.QualityPresentation:
		return QualityPreset{ModelPath: vibeVoiceBaseModel, CFGScale: 1.5}
	case model.QualityHigh:
		return QualityPreset{ModelPath: vibeVoiceLargeModel, CFGScale: 1.8}
	case model.QualityFast:
		return QualityPreset{ModelPath: vibeVoiceBaseModel, CFGScale: 1.1}
	case model.QualityStableKorean:
		return QualityPreset{ModelPath: vibeVoiceBaseModel, CFGScale: 1.6}
	default:
		return QualityPreset{ModelPath: vibeVoiceBaseModel, CFGScale: 1.3}
	}
}

// ErrVoiceNotInstalled is returned when no VibeVoice checkout is available.
var ErrVoiceNotInstalled = errors.New("vibevoice checkout not found")

// VibeVoiceClient runs the VibeVoice inference script as a subprocess.
type VibeVoiceClient struct {
	dir         string
	pythonPath  string
	device      string
	speakerName string
	timeout     time.Duration
	runner      CommandRunner
	encoder     MediaEncoder

	// the speaker voice file inside the checkout is shared, so only one
	// synthesis runs at a time
	slot chan struct{}
}

// NewVibeVoiceClient creates a synthesizer from config. The encoder is used
// to resample the reference voice.
func NewVibeVoiceClient(cfg *config.TTSConfig, encoder MediaEncoder, runner CommandRunner) *VibeVoiceClient {
	if runner == nil {
		runner = ExecRunner{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &VibeVoiceClient{
		dir:         cfg.VibeVoiceDir,
		pythonPath:  cfg.PythonPath,
		device:      cfg.Device,
		speakerName: cfg.SpeakerName,
		timeout:     timeout,
		runner:      runner,
		encoder:     encoder,
		slot:        make(chan struct{}, 1),
	}
}

// IsConfigured returns true if the VibeVoice checkout and its demo script exist
func (c *VibeVoiceClient) IsConfigured() bool {
	if c.dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(c.dir, vibeVoiceScript))
	return err == nil
}

// Synthesize writes the narration audio to req.OutputPath. Once the call
// holds the synthesis slot it is bounded by the configured timeout.
func (c *VibeVoiceClient) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	if !c.IsConfigured() {
		return "", &ToolError{Tool: "vibevoice", Err: ErrVoiceNotInstalled}
	}
	if _, err := os.Stat(req.ReferenceVoice); err != nil {
		return "", fmt.Errorf("reference voice not found: %w", err)
	}

	select {
	case c.slot <- struct{}{}:
		defer func() { <-c.slot }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	voicesDir := filepath.Join(c.dir, "demo", "voices")
	if err := os.MkdirAll(voicesDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create voices dir: %w", err)
	}
	speakerFile := filepath.Join(voicesDir, strings.ReplaceAll(c.speakerName, " ", "_")+".wav")
	if err := c.encoder.Resample(ctx, req.ReferenceVoice, speakerFile, voiceSampleRate); err != nil {
		return "", fmt.Errorf("failed to prepare reference voice: %w", err)
	}

	outDir := filepath.Dir(req.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create audio dir: %w", err)
	}
	absOutDir, err := filepath.Abs(outDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve audio dir: %w", err)
	}

	txt, err := os.CreateTemp("", "narration-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create script file: %w", err)
	}
	defer os.Remove(txt.Name())
	if _, err := fmt.Fprintf(txt, "%s: %s", c.speakerName, req.Text); err != nil {
		txt.Close()
		return "", fmt.Errorf("failed to write script file: %w", err)
	}
	txt.Close()

	if _, err := runTool(ctx, c.runner, "vibevoice", c.dir, c.pythonPath, c.buildArgs(txt.Name(), absOutDir, PresetFor(req.QualityMode))...); err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(txt.Name()), filepath.Ext(txt.Name()))
	generated, err := findGenerated(absOutDir, stem+"_generated.wav")
	if err != nil {
		return "", err
	}
	if err := moveFile(generated, req.OutputPath); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}

func (c *VibeVoiceClient) buildArgs(txtPath, outDir string, preset QualityPreset) []string {
	return []string{
		vibeVoiceScript,
		"--model_path", preset.ModelPath,
		"--txt_path", txtPath,
		"--speaker_names", c.speakerName,
		"--output_dir", outDir,
		"--device", c.device,
		"--cfg_scale", strconv.FormatFloat(preset.CFGScale, 'f', -1, 64),
	}
}

// findGenerated returns the expected output or, failing that, the newest
// *_generated.wav in dir.
func findGenerated(dir, expected string) (string, error) {
	path := filepath.Join(dir, expected)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read audio dir: %w", err)
	}
	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_generated.wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, e.Name())
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", &ToolError{Tool: "vibevoice", Err: errors.New("no generated audio found")}
	}
	return newest, nil
}

func moveFile(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy to %s: %w", dst, err)
	}
	return out.Close()
}

// SilentSynthesizer produces silent clips sized to the text. It stands in
// for VibeVoice on machines without the model so the rest of the pipeline
// can still be exercised end to end.
type SilentSynthesizer struct {
	encoder MediaEncoder
}

func NewSilentSynthesizer(encoder MediaEncoder) *SilentSynthesizer {
	return &SilentSynthesizer{encoder: encoder}
}

func (s *SilentSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create audio dir: %w", err)
	}
	if err := s.encoder.SilentAudio(ctx, req.OutputPath, EstimateSpeechSeconds(req.Text)); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}

// EstimateSpeechSeconds approximates narration length at ~8 characters per second.
func EstimateSpeechSeconds(text string) float64 {
	secs := float64(utf8.RuneCountInString(text)) / 8
	if secs < 1 {
		secs = 1
	}
	return secs
}
