package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slidevoice/api/internal/client"
	"github.com/slidevoice/api/internal/model"
	"github.com/slidevoice/api/internal/service"
	"github.com/slidevoice/api/internal/websocket"
)

const (
	artifactName    = "presentation.mp4"
	videoMimeType   = "video/mp4"
	codeJobFailed   = "JOB_FAILED"
	defaultURLTTL   = 24 * time.Hour
	defaultMinSlide = 5
)

// StageError is the job-level failure recorded when a stage cannot
// produce any usable output.
type StageError struct {
	Stage model.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ScriptWriter produces narration for one slide. It never fails; it falls
// back to templated text instead.
type ScriptWriter interface {
	Generate(ctx context.Context, slide service.SlideContext) string
}

// StageDeps are the adapters the pipeline drives.
type StageDeps struct {
	Rasterizer client.PageRasterizer
	Scripts    ScriptWriter
	Voice      client.SpeechSynthesizer
	Media      client.MediaEncoder
	Store      client.ArtifactStore
	Events     client.EventPublisher
}

// RunnerOptions configure where artifacts end up.
type RunnerOptions struct {
	OutputDir    string
	MirrorURLTTL time.Duration
}

// StageRunner executes the five-stage pipeline for one job at a time. It
// is safe to call Run for different jobs concurrently.
type StageRunner struct {
	tracker  *service.JobTracker
	deps     StageDeps
	opts     RunnerOptions
	notifier websocket.Notifier
	logger   *logrus.Logger
}

func NewStageRunner(tracker *service.JobTracker, deps StageDeps, opts RunnerOptions, notifier websocket.Notifier, logger *logrus.Logger) *StageRunner {
	if deps.Events == nil {
		deps.Events = client.NopPublisher{}
	}
	if opts.MirrorURLTTL <= 0 {
		opts.MirrorURLTTL = defaultURLTTL
	}
	return &StageRunner{
		tracker:  tracker,
		deps:     deps,
		opts:     opts,
		notifier: notifier,
		logger:   logger,
	}
}

// stageProgress interpolates a stage spanning [lo, hi] after item i of n.
func stageProgress(lo, hi, i, n int) int {
	if n <= 0 {
		return hi
	}
	return lo + (hi-lo)*i/n
}

// jobRun carries the per-job state threaded through the stages.
type jobRun struct {
	id      string
	inputs  model.JobInputs
	log     *logrus.Entry
	pages   []string
	scripts []string
	audio   []string
	video   string

	// set once the final video has been mirrored
	mirrorKey string
}

func (j *jobRun) dir(parts ...string) string {
	return filepath.Join(append([]string{j.inputs.WorkspaceDir}, parts...)...)
}

// Run executes the pipeline for jobID. Any failure, including a panic, is
// recorded on the job; the returned error is informational.
func (r *StageRunner) Run(ctx context.Context, jobID string) (err error) {
	job, err := r.tracker.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s already %s: %w", jobID, job.Status, service.ErrJobTerminal)
	}

	run := &jobRun{
		id:     jobID,
		inputs: job.Inputs,
		log:    r.logger.WithFields(logrus.Fields{"task_id": jobID}),
	}
	run.log.Info("Pipeline started")
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = &StageError{Stage: model.StageUnexpected, Err: fmt.Errorf("panic: %v", rec)}
			r.fail(run, err)
		}
	}()

	stages := []func(context.Context, *jobRun) error{
		r.extractPages,
		r.generateScripts,
		r.synthesizeVoices,
		r.assembleVideo,
		r.finalize,
	}
	for _, stage := range stages {
		if err := stage(ctx, run); err != nil {
			if errors.Is(err, service.ErrJobNotFound) {
				// deleted while running; a tool call still in flight may have
				// written files after Delete cleaned up
				run.log.Info("Job deleted during processing, stopping")
				r.discard(run)
				return err
			}
			r.fail(run, err)
			return err
		}
	}

	run.log.WithField("elapsed", time.Since(started).Round(time.Millisecond).String()).Info("Pipeline completed")
	return nil
}

func (r *StageRunner) extractPages(ctx context.Context, run *jobRun) error {
	if err := r.progress(run, 5, "Extracting pages"); err != nil {
		return err
	}

	pages, err := r.deps.Rasterizer.Rasterize(ctx, run.inputs.DocumentPath, run.dir("slides"))
	if err != nil {
		return &StageError{Stage: model.StageExtract, Err: err}
	}
	if len(pages) == 0 {
		return &StageError{Stage: model.StageExtract, Err: errors.New("no pages could be extracted from the document")}
	}
	run.pages = pages
	run.log.WithField("pages", len(pages)).Info("Pages extracted")

	return r.progress(run, 10, fmt.Sprintf("%d slides extracted", len(pages)))
}

func (r *StageRunner) generateScripts(ctx context.Context, run *jobRun) error {
	if err := r.progress(run, 15, "Generating scripts"); err != nil {
		return err
	}

	n := len(run.pages)
	run.scripts = make([]string, n)
	previous := ""
	for i, page := range run.pages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: model.StageScript, Err: err}
		}
		script := r.deps.Scripts.Generate(ctx, service.SlideContext{
			Number:         i + 1,
			Total:          n,
			ImagePath:      page,
			PreviousScript: previous,
			Language:       run.inputs.Language,
		})
		run.scripts[i] = script
		previous = script

		if err := r.progress(run, stageProgress(15, 30, i+1, n), fmt.Sprintf("Generating scripts (%d/%d)", i+1, n)); err != nil {
			return err
		}
	}

	return r.progress(run, 30, fmt.Sprintf("%d scripts generated", n))
}

func (r *StageRunner) synthesizeVoices(ctx context.Context, run *jobRun) error {
	if err := r.progress(run, 35, "Synthesizing voices"); err != nil {
		return err
	}

	n := len(run.scripts)
	run.audio = make([]string, n)
	produced := 0
	var lastErr error
	for i, script := range run.scripts {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: model.StageVoice, Err: err}
		}
		out := run.dir("audio", fmt.Sprintf("audio_%d.wav", i+1))
		path, err := r.deps.Voice.Synthesize(ctx, client.SynthesisRequest{
			Text:           service.PreprocessForSpeech(script, run.inputs.Language),
			ReferenceVoice: run.inputs.VoiceSamplePath,
			OutputPath:     out,
			QualityMode:    run.inputs.QualityMode,
		})
		if err != nil {
			run.log.WithError(err).WithField("slide", i+1).Warn("Voice synthesis failed, skipping slide")
			lastErr = err
		} else {
			run.audio[i] = path
			produced++
		}

		if err := r.progress(run, stageProgress(35, 60, i+1, n), fmt.Sprintf("Synthesizing voices (%d/%d)", i+1, n)); err != nil {
			return err
		}
	}

	if produced == 0 {
		if lastErr != nil {
			return &StageError{Stage: model.StageVoice, Err: fmt.Errorf("no audio could be generated: %w", lastErr)}
		}
		return &StageError{Stage: model.StageVoice, Err: errors.New("no audio could be generated")}
	}
	return r.progress(run, 60, fmt.Sprintf("%d audio files generated", produced))
}

func (r *StageRunner) assembleVideo(ctx context.Context, run *jobRun) error {
	if err := r.progress(run, 65, "Assembling video"); err != nil {
		return err
	}

	videoDir := run.dir("video")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return &StageError{Stage: model.StageAssemble, Err: err}
	}

	minSeconds := float64(run.inputs.SlideDuration)
	if minSeconds <= 0 {
		minSeconds = defaultMinSlide
	}

	var segments []string
	var cues []client.Cue
	var offset time.Duration
	for i, audio := range run.audio {
		if audio == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: model.StageAssemble, Err: err}
		}
		slideLog := run.log.WithField("slide", i+1)

		seconds, err := r.deps.Media.ProbeDuration(ctx, audio)
		if err != nil {
			slideLog.WithError(err).Warn("Could not read audio duration, skipping slide")
			continue
		}
		seconds = max(seconds, minSeconds)

		segment := filepath.Join(videoDir, fmt.Sprintf("segment_%d.mp4", i+1))
		err = r.deps.Media.EncodeSegment(ctx, client.SegmentArgs{
			Image:    run.pages[i],
			Audio:    audio,
			Duration: seconds,
			Output:   segment,
		})
		if err != nil {
			slideLog.WithError(err).Warn("Segment encode failed, skipping slide")
			continue
		}
		segments = append(segments, segment)

		length := time.Duration(seconds * float64(time.Second))
		cues = append(cues, client.Cue{Start: offset, End: offset + length, Text: run.scripts[i]})
		offset += length

		if err := r.progress(run, 65, fmt.Sprintf("Assembling video (segment %d/%d)", i+1, len(run.audio))); err != nil {
			return err
		}
	}
	if len(segments) == 0 {
		return &StageError{Stage: model.StageAssemble, Err: errors.New("no video segments could be created")}
	}

	outDir := run.dir("output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return &StageError{Stage: model.StageAssemble, Err: err}
	}
	video := filepath.Join(outDir, artifactName)
	err := r.deps.Media.Concat(ctx, client.ConcatArgs{
		Segments: segments,
		ListPath: filepath.Join(videoDir, "concat.txt"),
		Output:   video,
	})
	if err != nil {
		return &StageError{Stage: model.StageAssemble, Err: err}
	}

	if run.inputs.IncludeSubtitles {
		r.burnSubtitles(ctx, run, video, cues)
	}

	if _, err := os.Stat(video); err != nil {
		return &StageError{Stage: model.StageAssemble, Err: errors.New("final video was not produced")}
	}
	run.video = video

	return r.progress(run, 80, fmt.Sprintf("Video assembled from %d segments", len(segments)))
}

// burnSubtitles replaces video with a subtitled copy. On failure the plain
// video is kept.
func (r *StageRunner) burnSubtitles(ctx context.Context, run *jobRun, video string, cues []client.Cue) {
	srt := run.dir("video", "subtitles.srt")
	if err := client.WriteSRT(srt, cues); err != nil {
		run.log.WithError(err).Warn("Subtitle file could not be written, continuing without subtitles")
		return
	}

	subtitled := strings.TrimSuffix(video, filepath.Ext(video)) + "_subtitled.mp4"
	err := r.deps.Media.BurnSubtitles(ctx, client.SubtitleArgs{Video: video, Subtitles: srt, Output: subtitled})
	if err == nil {
		err = os.Rename(subtitled, video)
	}
	if err != nil {
		run.log.WithError(err).Warn("Subtitle burn-in failed, continuing without subtitles")
	}
}

func (r *StageRunner) finalize(ctx context.Context, run *jobRun) error {
	if err := r.progress(run, 80, "Finalizing"); err != nil {
		return err
	}

	filename := DownloadFilename(run.inputs.DocumentName, run.inputs.Language)
	finalDir := filepath.Join(r.opts.OutputDir, run.id)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return &StageError{Stage: model.StageFinalize, Err: err}
	}
	finalPath := filepath.Join(finalDir, filename)
	if err := client.CopyFile(run.video, finalPath); err != nil {
		return &StageError{Stage: model.StageFinalize, Err: err}
	}

	result := model.JobResult{
		ArtifactPath:     finalPath,
		DownloadFilename: filename,
	}
	if r.deps.Store != nil {
		key := client.ArtifactKey(run.id, filename)
		url, err := client.PutFile(ctx, r.deps.Store, key, finalPath, videoMimeType, r.opts.MirrorURLTTL)
		if err != nil {
			run.log.WithError(err).WithField("storage", r.deps.Store.Name()).Warn("Artifact mirror failed")
		} else {
			result.ArtifactKey = key
			result.ArtifactURL = url
			run.mirrorKey = key
		}
	}

	if err := r.tracker.MarkCompleted(run.id, result); err != nil {
		return err
	}
	r.notifier.Complete(run.id, "/download/"+run.id, filename, result.ArtifactURL)
	r.publish(ctx, model.TaskEvent{
		Kind:             model.EventCompleted,
		TaskID:           run.id,
		Status:           model.JobStatusCompleted,
		Progress:         100,
		DownloadFilename: filename,
		ArtifactURL:      result.ArtifactURL,
	})

	if err := os.RemoveAll(run.inputs.WorkspaceDir); err != nil {
		run.log.WithError(err).Warn("Failed to clean up workspace")
	}
	return nil
}

// DownloadFilename derives the public name of the final video.
func DownloadFilename(documentName string, lang model.Language) string {
	base := strings.TrimSuffix(filepath.Base(documentName), filepath.Ext(documentName))
	if base == "" || base == "." {
		base = "presentation"
	}
	return base + lang.FileSuffix() + ".mp4"
}

// discard removes everything a deleted job produced.
func (r *StageRunner) discard(run *jobRun) {
	if run.inputs.WorkspaceDir != "" {
		if err := os.RemoveAll(run.inputs.WorkspaceDir); err != nil {
			run.log.WithError(err).Warn("Failed to remove workspace of deleted job")
		}
	}
	if err := os.RemoveAll(filepath.Join(r.opts.OutputDir, run.id)); err != nil {
		run.log.WithError(err).Warn("Failed to remove output of deleted job")
	}
	if run.mirrorKey != "" && r.deps.Store != nil {
		if err := r.deps.Store.Remove(context.Background(), run.mirrorKey); err != nil {
			run.log.WithError(err).Warn("Failed to remove mirrored artifact of deleted job")
		}
	}
}

func (r *StageRunner) progress(run *jobRun, percent int, step string) error {
	if err := r.tracker.UpdateProgress(run.id, percent, step); err != nil {
		return err
	}
	r.notifier.Progress(run.id, percent, model.JobStatusProcessing, step)
	return nil
}

func (r *StageRunner) fail(run *jobRun, cause error) {
	msg := cause.Error()
	if err := r.tracker.MarkFailed(run.id, msg); err != nil {
		run.log.WithError(err).Error("Failed to record job failure")
		return
	}
	run.log.WithError(cause).Error("Pipeline failed")

	r.notifier.Error(run.id, codeJobFailed, msg)
	job, _ := r.tracker.Get(run.id)
	r.publish(context.Background(), model.TaskEvent{
		Kind:     model.EventFailed,
		TaskID:   run.id,
		Status:   model.JobStatusFailed,
		Progress: job.Progress,
		Error:    msg,
	})
}

func (r *StageRunner) publish(ctx context.Context, event model.TaskEvent) {
	event.OccurredAt = time.Now()
	if err := r.deps.Events.Publish(ctx, event); err != nil {
		r.logger.WithError(err).WithField("task_id", event.TaskID).Warn("Failed to publish task event")
	}
}
