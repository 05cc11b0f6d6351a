package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Driftwald/ReelStudio/internal/port/encoder"
)

var _ encoder.Encoder = (*Encoder)(nil)

func testJob(durations ...float64) encoder.Job {
	frames := make([]encoder.Frame, len(durations))
	for i, d := range durations {
		frames[i] = encoder.Frame{Path: fmt.Sprintf("/work/frame-%d.png", i), Duration: d}
	}
	return encoder.Job{
		Frames:            frames,
		Transition:        "fade",
		TransitionSeconds: 1,
		Width:             1080,
		Height:            1920,
		FPS:               30,
		Output:            "/work/out.mp4",
	}
}

func TestFilterGraph(t *testing.T) {
	t.Run("SingleFrame", func(t *testing.T) {
		got := filterGraph(testJob(3))
		want := "[0:v]fps=30,format=yuv420p[vout]"
		if got != want {
			t.Fatalf("graph = %q, want %q", got, want)
		}
	})

	t.Run("FadeChainOffsets", func(t *testing.T) {
		got := filterGraph(testJob(3, 3, 3))
		want := "[0:v]settb=AVTB,fps=30[v0];" +
			"[1:v]settb=AVTB,fps=30[v1];" +
			"[2:v]settb=AVTB,fps=30[v2];" +
			"[v0][v1]xfade=transition=fade:duration=1.000:offset=2.000[x1];" +
			"[x1][v2]xfade=transition=fade:duration=1.000:offset=4.000[x2];" +
			"[x2]format=yuv420p[vout]"
		if got != want {
			t.Fatalf("graph = %q, want %q", got, want)
		}
	})

	t.Run("CutUsesConcat", func(t *testing.T) {
		job := testJob(3, 3)
		job.Transition = "cut"
		got := filterGraph(job)
		want := "[0:v]settb=AVTB,fps=30[v0];" +
			"[1:v]settb=AVTB,fps=30[v1];" +
			"[v0][v1]concat=n=2:v=1:a=0,format=yuv420p[vout]"
		if got != want {
			t.Fatalf("graph = %q, want %q", got, want)
		}
	})

	t.Run("UnknownTransitionFallsBackToFade", func(t *testing.T) {
		job := testJob(3, 3)
		job.Transition = "hyperdrive"
		if got := filterGraph(job); !strings.Contains(got, "xfade=transition=fade") {
			t.Fatalf("graph = %q, want fade fallback", got)
		}
	})

	t.Run("TransitionClampedToHalfShortestFrame", func(t *testing.T) {
		job := testJob(1, 3)
		got := filterGraph(job)
		if !strings.Contains(got, "duration=0.500") {
			t.Fatalf("graph = %q, want clamped duration 0.500", got)
		}
	})
}

func TestTotalDuration(t *testing.T) {
	cases := []struct {
		name string
		job  encoder.Job
		want float64
	}{
		{"SingleFrame", testJob(3), 3},
		{"ThreeFramesFade", testJob(3, 3, 3), 7},
		{"ClampedTransition", testJob(1, 3), 3.5},
	}
	cut := testJob(3, 3)
	cut.Transition = "cut"
	cases = append(cases, struct {
		name string
		job  encoder.Job
		want float64
	}{"Cut", cut, 6})

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := totalDuration(tc.job); got != tc.want {
				t.Fatalf("totalDuration = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVideoPassArgs(t *testing.T) {
	job := testJob(3, 3)
	args := strings.Join(videoPassArgs(job, "/work/.video-out.mp4"), " ")

	for _, want := range []string{
		"-progress pipe:1 -nostats",
		"-loop 1 -t 3.000 -i /work/frame-0.png",
		"-loop 1 -t 3.000 -i /work/frame-1.png",
		"-map [vout]",
		"-b:v 6M",
		"-r 30",
		"-an",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestMuxArgs(t *testing.T) {
	t.Run("PadWithSilence", func(t *testing.T) {
		job := testJob(3, 3)
		job.AudioPath = "/work/audio.mp3"
		args := strings.Join(muxArgs(job, "/work/.video-out.mp4", "/work/.mux-out.mp4"), " ")

		for _, want := range []string{
			"-i /work/audio.mp3",
			"-af apad",
			"-c:v copy",
			"-b:a 192k",
			"-t 5.000",
		} {
			if !strings.Contains(args, want) {
				t.Errorf("args %q missing %q", args, want)
			}
		}
		if strings.Contains(args, "-stream_loop") {
			t.Errorf("args %q should not loop audio", args)
		}
	})

	t.Run("LoopAudio", func(t *testing.T) {
		job := testJob(3, 3)
		job.AudioPath = "/work/audio.mp3"
		job.LoopAudio = true
		args := strings.Join(muxArgs(job, "/work/.video-out.mp4", "/work/.mux-out.mp4"), " ")

		if !strings.Contains(args, "-stream_loop -1 -i /work/audio.mp3") {
			t.Errorf("args %q missing stream_loop before the audio input", args)
		}
		if strings.Contains(args, "apad") {
			t.Errorf("args %q should not pad when looping", args)
		}
	})
}

func TestWatchProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=30",
		"out_time_us=1000000",
		"progress=continue",
		"out_time_us=3500000",
		"out_time_us=3500000",
		"out_time_ms=2000000",
		"out_time_us=9000000",
		"progress=end",
	}, "\n")

	var got []float64
	watchProgress(strings.NewReader(input), 7, func(f float64) {
		got = append(got, f)
	})

	want := []float64{1.0 / 7, 0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	for i := range want {
		if diff := got[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("reported %v, want %v", got, want)
		}
	}
}

func TestParseOutTime(t *testing.T) {
	cases := []struct {
		line string
		us   float64
		ok   bool
	}{
		{"out_time_us=1500000", 1500000, true},
		{"out_time_ms=1500000", 1500000, true},
		{"out_time=00:00:01.500000", 0, false},
		{"out_time_us=bogus", 0, false},
		{"out_time_us=-5", 0, false},
		{"frame=42", 0, false},
	}
	for _, tc := range cases {
		us, ok := parseOutTime(tc.line)
		if ok != tc.ok || us != tc.us {
			t.Errorf("parseOutTime(%q) = %v %v, want %v %v", tc.line, us, ok, tc.us, tc.ok)
		}
	}
}

func TestComposeValidation(t *testing.T) {
	enc := NewEncoder("", nil)

	cases := []struct {
		name   string
		mutate func(*encoder.Job)
	}{
		{"NoFrames", func(j *encoder.Job) { j.Frames = nil }},
		{"NoOutput", func(j *encoder.Job) { j.Output = "" }},
		{"BadGeometry", func(j *encoder.Job) { j.Width = 0 }},
		{"NonPositiveDuration", func(j *encoder.Job) { j.Frames[0].Duration = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := testJob(3, 3)
			tc.mutate(&job)
			if err := enc.Compose(context.Background(), job, nil); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestComposeFailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	job := testJob(3, 3)
	job.Output = filepath.Join(dir, "out.mp4")

	enc := NewEncoder(filepath.Join(dir, "no-such-ffmpeg"), nil)
	if err := enc.Compose(context.Background(), job, nil); err == nil {
		t.Fatal("expected error from missing binary")
	}

	if _, err := os.Stat(job.Output); !os.IsNotExist(err) {
		t.Fatalf("output should not exist, stat err = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not clean: %v", entries)
	}
}

func TestStagePath(t *testing.T) {
	got := stagePath("/work/task/out.mp4", "video")
	if got != "/work/task/.video-out.mp4" {
		t.Fatalf("stagePath = %q", got)
	}
}
