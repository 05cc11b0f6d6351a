package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/Driftwald/ReelStudio/internal/adapter/blob"
	"github.com/Driftwald/ReelStudio/internal/adapter/imaging"
	"github.com/Driftwald/ReelStudio/internal/adapter/otel"
	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/encoder"
)

// CompositionService renders a task's selected images into a video. It
// materializes frames and audio into a per-task temp workspace, drives the
// encoder, and persists the output to the file store only after the encoder
// has fully succeeded. The workspace is removed afterwards either way, so a
// failed run leaves no partial video anywhere.
type CompositionService struct {
	enc     encoder.Encoder
	files   *FileStoreService
	cfg     config.Composition
	metrics *otel.Metrics
}

// NewCompositionService creates a new CompositionService.
func NewCompositionService(enc encoder.Encoder, files *FileStoreService, cfg config.Composition) *CompositionService {
	return &CompositionService{enc: enc, files: files, cfg: cfg}
}

// SetMetrics attaches OTEL instruments. Nil metrics are skipped.
func (s *CompositionService) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// Compose renders t's selection into a video and returns the persisted file.
// progress receives monotonic fractions in [0,1]. The task's selection must
// already be validated; Compose trusts its image ids.
func (s *CompositionService) Compose(ctx context.Context, t *task.Task, progress encoder.Progress) (*file.File, error) {
	sel := t.Selection
	if sel == nil || len(sel.ImageIDs) == 0 {
		return nil, fmt.Errorf("task %s has no selection to compose", t.ID)
	}

	phaseCtx, cancel := context.WithTimeout(ctx, s.cfg.PhaseTimeout)
	defer cancel()
	phaseCtx, span := otel.StartCompositionSpan(phaseCtx, t.ID, len(sel.ImageIDs))
	defer span.End()

	workDir, err := s.makeWorkDir(t.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("remove composition workspace", "task_id", t.ID, "dir", workDir, "error", err)
		}
	}()

	start := time.Now()
	job, err := s.buildJob(phaseCtx, t, workDir)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := s.enc.Compose(phaseCtx, job, progress); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("compose video: %w", err)
	}

	out, err := os.Open(job.Output)
	if err != nil {
		return nil, fmt.Errorf("open rendered video: %w", err)
	}
	defer out.Close()

	f, err := s.files.Put(ctx, file.KindVideo, "video/mp4", out)
	if err != nil {
		return nil, fmt.Errorf("persist video: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CompositionDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Info("composition finished", "task_id", t.ID, "video_id", f.ID,
		"frames", len(job.Frames), "duration", time.Since(start))
	return f, nil
}

// buildJob materializes the selection into workDir and resolves the job
// parameters, with selection values overriding the task config and the task
// config overriding service defaults.
func (s *CompositionService) buildJob(ctx context.Context, t *task.Task, workDir string) (encoder.Job, error) {
	sel := t.Selection

	perImage := s.cfg.PerImageSeconds
	if t.Config.PerImageSeconds > 0 {
		perImage = t.Config.PerImageSeconds
	}
	if sel.PerImageSeconds > 0 {
		perImage = sel.PerImageSeconds
	}

	transition := s.cfg.DefaultTransition
	if t.Config.Transition != "" {
		transition = t.Config.Transition
	}
	if sel.Transition != "" {
		transition = sel.Transition
	}

	loopAudio := t.Config.LoopAudio
	if sel.LoopAudio != nil {
		loopAudio = *sel.LoopAudio
	}

	width, height, fps := t.Config.Width, t.Config.Height, t.Config.FPS
	if width <= 0 || height <= 0 {
		width, height = s.cfg.Width, s.cfg.Height
	}
	if fps <= 0 {
		fps = s.cfg.FPS
	}

	frames := make([]encoder.Frame, 0, len(sel.ImageIDs))
	for i, imageID := range sel.ImageIDs {
		framePath := filepath.Join(workDir, fmt.Sprintf("frame_%03d.jpg", i))
		if err := s.materializeFrame(ctx, imageID, framePath, width, height); err != nil {
			return encoder.Job{}, fmt.Errorf("frame %d (%s): %w", i, imageID, err)
		}
		frames = append(frames, encoder.Frame{Path: framePath, Duration: perImage})
	}

	audioPath := ""
	audioID := t.AudioFileID
	if sel.AudioFileID != "" {
		audioID = sel.AudioFileID
	}
	if audioID != "" {
		p, err := s.materializeAudio(ctx, audioID, workDir)
		if err != nil {
			return encoder.Job{}, fmt.Errorf("audio %s: %w", audioID, err)
		}
		audioPath = p
	}

	return encoder.Job{
		Frames:            frames,
		Transition:        transition,
		TransitionSeconds: s.cfg.TransitionSeconds,
		AudioPath:         audioPath,
		LoopAudio:         loopAudio,
		Width:             width,
		Height:            height,
		FPS:               fps,
		VideoBitrate:      s.cfg.VideoBitrate,
		AudioBitrate:      s.cfg.AudioBitrate,
		Output:            filepath.Join(workDir, "output.mp4"),
	}, nil
}

// materializeFrame fetches one selected image and renders it to framePath,
// scaled to cover the target geometry and center-cropped.
func (s *CompositionService) materializeFrame(ctx context.Context, imageID, framePath string, width, height int) error {
	_, rc, err := s.files.Get(ctx, imageID)
	if err != nil {
		return err
	}
	defer rc.Close()
	return imaging.PrepareFrame(rc, framePath, width, height)
}

// materializeAudio copies the audio blob into the workspace, keeping the
// extension its content type implies.
func (s *CompositionService) materializeAudio(ctx context.Context, audioID, workDir string) (string, error) {
	f, rc, err := s.files.Get(ctx, audioID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	path := filepath.Join(workDir, "audio"+blob.Extension(f.ContentType))
	dst, err := os.Create(path) //nolint:gosec // G304: path is built from the task workspace
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, rc); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	return path, nil
}

func (s *CompositionService) makeWorkDir(taskID string) (string, error) {
	root := s.cfg.WorkDir
	if root == "" {
		root = filepath.Join(os.TempDir(), "reelstudio")
	}
	dir := filepath.Join(root, "task-"+taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create composition workspace: %w", err)
	}
	return dir, nil
}
