// Package encoder defines the port for the external video composition capability.
package encoder

import "context"

// Frame is one image of the visual sequence with its display duration in
// seconds. Order is significant.
type Frame struct {
	Path     string
	Duration float64
}

// Job describes one composition run. Inputs are filesystem paths inside the
// caller's workspace; Output is the path the encoder must produce.
type Job struct {
	Frames            []Frame
	Transition        string
	TransitionSeconds float64
	AudioPath         string // empty renders a silent video
	LoopAudio         bool
	Width             int
	Height            int
	FPS               int
	VideoBitrate      string
	AudioBitrate      string
	Output            string
}

// Progress receives monotonic completion fractions in [0,1].
type Progress func(fraction float64)

// Encoder is the port interface for the video composition capability.
type Encoder interface {
	// Compose renders the job to Job.Output, reporting progress along the
	// way. On failure no output file is left behind.
	Compose(ctx context.Context, job Job, progress Progress) error
}
