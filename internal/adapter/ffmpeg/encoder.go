// Package ffmpeg implements the encoder.Encoder interface by driving the
// ffmpeg CLI.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Driftwald/ReelStudio/internal/pool"
	"github.com/Driftwald/ReelStudio/internal/port/encoder"
)

const (
	binaryName = "ffmpeg"

	defaultTransitionSeconds = 1.0
	defaultVideoBitrate      = "6M"
	defaultAudioBitrate      = "192k"

	// Weight of the silent video pass when an audio mux pass follows.
	videoPassShare = 0.9
)

// xfadeTransitions maps transition identifiers from task configs to ffmpeg
// xfade transition names. Identifiers are opaque upstream; unknown ones fall
// back to fade. "cut" is handled separately via the concat filter.
var xfadeTransitions = map[string]string{
	"fade":     "fade",
	"dissolve": "dissolve",
	"slide":    "slideleft",
	"wipe":     "wipeleft",
	"circle":   "circleopen",
	"pixelize": "pixelize",
}

// Encoder renders composition jobs by shelling out to ffmpeg. Rendering is a
// two pass affair: the silent video track first, then the audio mux. All
// intermediate files live next to Job.Output and the final file only appears
// there via rename, so a failed render never leaves a partial output behind.
type Encoder struct {
	path string
	pool *pool.Pool
}

// NewEncoder creates an Encoder executing bin ("ffmpeg" when empty). The pool
// bounds concurrent renders.
func NewEncoder(bin string, p *pool.Pool) *Encoder {
	if bin == "" {
		bin = binaryName
	}
	return &Encoder{path: bin, pool: p}
}

// Available reports whether the ffmpeg binary can be executed.
func (e *Encoder) Available(ctx context.Context) error {
	return e.run(ctx, []string{"-version"})
}

// Compose renders job.Frames into job.Output, reporting monotonic completion
// fractions along the way.
func (e *Encoder) Compose(ctx context.Context, job encoder.Job, progress encoder.Progress) error {
	if err := validate(job); err != nil {
		return err
	}
	return e.pool.Run(ctx, func() error {
		return e.compose(ctx, job, progress)
	})
}

func (e *Encoder) compose(ctx context.Context, job encoder.Job, progress encoder.Progress) error {
	total := totalDuration(job)

	videoPath := stagePath(job.Output, "video")
	defer func() { _ = os.Remove(videoPath) }()

	share := 1.0
	if job.AudioPath != "" {
		share = videoPassShare
	}
	err := e.runVideoPass(ctx, job, videoPath, total, func(fraction float64) {
		if progress != nil {
			progress(fraction * share)
		}
	})
	if err != nil {
		return fmt.Errorf("render video: %w", err)
	}

	if job.AudioPath == "" {
		if err := os.Rename(videoPath, job.Output); err != nil {
			return fmt.Errorf("place output: %w", err)
		}
		report(progress, 1)
		return nil
	}

	muxPath := stagePath(job.Output, "mux")
	defer func() { _ = os.Remove(muxPath) }()
	if err := e.run(ctx, muxArgs(job, videoPath, muxPath)); err != nil {
		return fmt.Errorf("mux audio: %w", err)
	}
	if err := os.Rename(muxPath, job.Output); err != nil {
		return fmt.Errorf("place output: %w", err)
	}
	report(progress, 1)
	return nil
}

// runVideoPass executes the silent render, streaming -progress output from
// stdout into the callback.
func (e *Encoder) runVideoPass(ctx context.Context, job encoder.Job, out string, total float64, report func(float64)) error {
	cmd := exec.CommandContext(ctx, e.path, videoPassArgs(job, out)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.path, err)
	}
	watchProgress(stdout, total, report)
	if err := cmd.Wait(); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (e *Encoder) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, e.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func validate(job encoder.Job) error {
	if len(job.Frames) == 0 {
		return fmt.Errorf("compose: no frames")
	}
	if job.Output == "" {
		return fmt.Errorf("compose: no output path")
	}
	if job.Width <= 0 || job.Height <= 0 || job.FPS <= 0 {
		return fmt.Errorf("compose: invalid geometry %dx%d@%d", job.Width, job.Height, job.FPS)
	}
	for i, f := range job.Frames {
		if f.Duration <= 0 {
			return fmt.Errorf("compose: frame %d: non-positive duration %.3f", i, f.Duration)
		}
	}
	return nil
}

// videoPassArgs builds the silent render invocation: one looped image input
// per frame and a transition filter graph.
func videoPassArgs(job encoder.Job, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-progress", "pipe:1", "-nostats"}
	for _, f := range job.Frames {
		args = append(args, "-loop", "1", "-t", formatSeconds(f.Duration), "-i", f.Path)
	}
	args = append(args,
		"-filter_complex", filterGraph(job),
		"-map", "[vout]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-b:v", orDefault(job.VideoBitrate, defaultVideoBitrate),
		"-r", strconv.Itoa(job.FPS),
		"-an",
		"-movflags", "+faststart",
		out,
	)
	return args
}

// muxArgs builds the audio pass: the video stream is copied, the audio stream
// is padded with silence or looped to cover the visuals, and both are cut at
// the visual length.
func muxArgs(job encoder.Job, videoPath, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", videoPath}
	if job.LoopAudio {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", job.AudioPath, "-map", "0:v", "-map", "1:a")
	if !job.LoopAudio {
		args = append(args, "-af", "apad")
	}
	args = append(args,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", orDefault(job.AudioBitrate, defaultAudioBitrate),
		"-t", formatSeconds(totalDuration(job)),
		"-movflags", "+faststart",
		out,
	)
	return args
}

// filterGraph builds the filter_complex expression. Every input is normalized
// to a shared timebase and frame rate, then chained with xfade (or concat for
// hard cuts) into the [vout] label.
func filterGraph(job encoder.Job) string {
	if len(job.Frames) == 1 {
		return fmt.Sprintf("[0:v]fps=%d,format=yuv420p[vout]", job.FPS)
	}

	var b strings.Builder
	for i := range job.Frames {
		fmt.Fprintf(&b, "[%d:v]settb=AVTB,fps=%d[v%d];", i, job.FPS, i)
	}

	td := transitionSeconds(job)
	if td == 0 {
		for i := range job.Frames {
			fmt.Fprintf(&b, "[v%d]", i)
		}
		fmt.Fprintf(&b, "concat=n=%d:v=1:a=0,format=yuv420p[vout]", len(job.Frames))
		return b.String()
	}

	name := xfadeName(job.Transition)
	prev := "[v0]"
	var offset float64
	for i := 1; i < len(job.Frames); i++ {
		offset += job.Frames[i-1].Duration - td
		out := fmt.Sprintf("[x%d]", i)
		fmt.Fprintf(&b, "%s[v%d]xfade=transition=%s:duration=%s:offset=%s%s;",
			prev, i, name, formatSeconds(td), formatSeconds(offset), out)
		prev = out
	}
	fmt.Fprintf(&b, "%sformat=yuv420p[vout]", prev)
	return b.String()
}

// totalDuration returns the rendered length in seconds. Consecutive frames
// overlap by the transition duration, so n frames lose n-1 transitions.
func totalDuration(job encoder.Job) float64 {
	var sum float64
	for _, f := range job.Frames {
		sum += f.Duration
	}
	return sum - transitionSeconds(job)*float64(len(job.Frames)-1)
}

// transitionSeconds returns the effective overlap between consecutive frames.
// Zero means hard cuts. The overlap is clamped to half the shortest frame so
// a transition can never swallow a frame entirely.
func transitionSeconds(job encoder.Job) float64 {
	if len(job.Frames) < 2 || job.Transition == "cut" {
		return 0
	}
	td := job.TransitionSeconds
	if td <= 0 {
		td = defaultTransitionSeconds
	}
	shortest := job.Frames[0].Duration
	for _, f := range job.Frames[1:] {
		if f.Duration < shortest {
			shortest = f.Duration
		}
	}
	if td > shortest/2 {
		td = shortest / 2
	}
	return td
}

func xfadeName(id string) string {
	if name, ok := xfadeTransitions[id]; ok {
		return name
	}
	return "fade"
}

// watchProgress parses ffmpeg -progress key=value lines and reports monotonic
// completion fractions in [0,1].
func watchProgress(r io.Reader, total float64, report func(float64)) {
	if total <= 0 {
		total = 1
	}
	var last float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		us, ok := parseOutTime(strings.TrimSpace(sc.Text()))
		if !ok {
			continue
		}
		fraction := us / (total * 1e6)
		if fraction > 1 {
			fraction = 1
		}
		if fraction > last {
			last = fraction
			if report != nil {
				report(fraction)
			}
		}
	}
}

// parseOutTime extracts the rendered position in microseconds from an
// out_time_us line. out_time_ms is accepted too since ffmpeg emits
// microseconds under that key as well.
func parseOutTime(line string) (float64, bool) {
	val, ok := strings.CutPrefix(line, "out_time_us=")
	if !ok {
		val, ok = strings.CutPrefix(line, "out_time_ms=")
	}
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return float64(n), true
}

// stagePath returns a hidden sibling of the output path for one render stage.
func stagePath(output, stage string) string {
	dir, base := filepath.Split(output)
	return filepath.Join(dir, "."+stage+"-"+base)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func report(p encoder.Progress, fraction float64) {
	if p != nil {
		p(fraction)
	}
}
