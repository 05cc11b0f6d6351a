package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Driftwald/ReelStudio/internal/adapter/otel"
	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/pool"
	"github.com/Driftwald/ReelStudio/internal/port/generator"
)

// Scheduler fans per-style generation calls out over the external image
// capability under a hard concurrency ceiling and fans back in once every
// style has resolved or the phase budget expires. It never touches task
// records; outcomes flow back to the orchestrator through the report
// callback and the returned summary.
type Scheduler struct {
	gen     generator.Generator
	files   *FileStoreService
	cfg     config.Generation
	metrics *otel.Metrics
}

// NewScheduler creates a new Scheduler.
func NewScheduler(gen generator.Generator, files *FileStoreService, cfg config.Generation) *Scheduler {
	return &Scheduler{gen: gen, files: files, cfg: cfg}
}

// SetMetrics attaches OTEL instruments. Nil metrics are skipped.
func (s *Scheduler) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// GenerationReport is the fan-in summary of one generation phase. Results
// holds one entry per requested style in request order, regardless of
// completion order.
type GenerationReport struct {
	Results   []task.ImageResult
	Succeeded int
	TimedOut  bool
}

// Run executes the generation phase for the given styles. prior carries
// results already recorded for this task (restart recovery); their indices
// are not re-dispatched. report is invoked after each new resolution with
// the cumulative completed count.
//
// On phase timeout, in-flight calls are abandoned: the result channel is
// buffered so late workers complete into it and are dropped, and their
// slots are recorded as timed-out failures. When ctx itself is cancelled
// (task cancel, shutdown) Run returns with the remaining slots unresolved;
// the caller observes ctx and discards the report.
func (s *Scheduler) Run(ctx context.Context, taskID string, source []byte, sourceType string, styles []string, concurrency int, prior []task.ImageResult, report func(res task.ImageResult, completed, total int)) *GenerationReport {
	total := len(styles)
	results := make([]task.ImageResult, total)
	resolved := make([]bool, total)
	completed := 0
	for _, r := range prior {
		if r.Index >= 0 && r.Index < total && !resolved[r.Index] {
			results[r.Index] = r
			resolved[r.Index] = true
			completed++
		}
	}

	if concurrency < 1 {
		concurrency = s.cfg.Concurrency
	}

	phaseCtx, cancel := context.WithTimeout(ctx, s.cfg.PhaseTimeout)
	defer cancel()
	phaseCtx, span := otel.StartGenerationSpan(phaseCtx, taskID, total)
	defer span.End()

	start := time.Now()
	resCh := make(chan task.ImageResult, total-completed)
	p := pool.New(concurrency)
	for i := range styles {
		if resolved[i] {
			continue
		}
		go func(idx int, style string) {
			var res task.ImageResult
			err := p.Run(phaseCtx, func() error {
				res = s.generateStyle(phaseCtx, taskID, idx, style, source, sourceType)
				return nil
			})
			if err != nil {
				// Never got a slot; the fan-in accounts for this index
				// when the phase expires.
				return
			}
			resCh <- res
		}(i, styles[i])
	}

loop:
	for completed < total {
		select {
		case res := <-resCh:
			if resolved[res.Index] {
				continue
			}
			results[res.Index] = res
			resolved[res.Index] = true
			completed++
			if report != nil {
				report(res, completed, total)
			}
		case <-phaseCtx.Done():
			break loop
		}
	}

	timedOut := false
	if completed < total && ctx.Err() == nil {
		timedOut = true
		for i := range styles {
			if resolved[i] {
				continue
			}
			res := task.ImageResult{Index: i, StyleLabel: styles[i], Error: "generation timed out"}
			results[i] = res
			resolved[i] = true
			completed++
			if report != nil {
				report(res, completed, total)
			}
		}
		slog.Warn("generation phase timed out", "task_id", taskID, "budget", s.cfg.PhaseTimeout)
	}

	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}

	span.SetAttributes(
		attribute.Int("generation.succeeded", succeeded),
		attribute.Bool("generation.timed_out", timedOut),
	)
	if s.metrics != nil {
		s.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	}

	return &GenerationReport{Results: results, Succeeded: succeeded, TimedOut: timedOut}
}

// generateStyle runs one style slot: the generator call with at most one
// transient retry, then persistence of the produced image.
func (s *Scheduler) generateStyle(ctx context.Context, taskID string, idx int, style string, source []byte, sourceType string) task.ImageResult {
	ctx, span := otel.StartStyleSpan(ctx, taskID, idx, style)
	defer span.End()

	res := task.ImageResult{Index: idx, StyleLabel: style}

	out, err := s.generateWithRetry(ctx, generator.Request{Image: source, ContentType: sourceType, Style: style})
	if err != nil {
		res.Error = err.Error()
		span.SetStatus(codes.Error, res.Error)
		slog.Warn("style generation failed", "task_id", taskID, "index", idx, "style", style, "error", err)
		return res
	}

	f, err := s.files.PutImage(ctx, file.KindGeneratedImage, out.ContentType, out.Image)
	if err != nil {
		res.Error = fmt.Sprintf("persist image: %v", err)
		span.SetStatus(codes.Error, res.Error)
		slog.Error("persist generated image", "task_id", taskID, "index", idx, "style", style, "error", err)
		return res
	}

	res.FileID = f.ID
	return res
}

// generateWithRetry calls the generator, retrying once with a fixed backoff
// when the failure is transient. The upstream's Retry-After hint extends the
// backoff but never shortens it.
func (s *Scheduler) generateWithRetry(ctx context.Context, req generator.Request) (*generator.Result, error) {
	if s.metrics != nil {
		s.metrics.GenerationCalls.Add(ctx, 1)
	}
	out, err := s.gen.Generate(ctx, req)
	if err == nil {
		return out, nil
	}

	var f *generator.Failure
	if !errors.As(err, &f) || !f.Transient() || ctx.Err() != nil {
		return nil, err
	}

	wait := s.cfg.RetryBackoff
	if f.RetryAfter > wait {
		wait = f.RetryAfter
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, err
	case <-timer.C:
	}

	if s.metrics != nil {
		s.metrics.GenerationRetries.Add(ctx, 1)
		s.metrics.GenerationCalls.Add(ctx, 1)
	}
	slog.Info("retrying style after transient failure", "style", req.Style, "backoff", wait)
	return s.gen.Generate(ctx, req)
}
