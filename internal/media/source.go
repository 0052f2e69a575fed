package media

import (
	"context"
	"time"
)

// Frame is one encoded video frame from the capture pipeline.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// FrameSource supplies the live frame stream attached to an active
// session. The capture/encoding pipeline behind it is an external
// collaborator.
type FrameSource interface {
	// NextFrame blocks until a frame is available or ctx is done.
	NextFrame(ctx context.Context) (Frame, error)
}

// TickSource emits fixed placeholder frames at a constant rate. It
// stands in for the capture pipeline on simulated devices and in
// bench setups.
type TickSource struct {
	Interval time.Duration
	Payload  []byte
}

// NewTickSource creates a source emitting one frame per interval.
func NewTickSource(fps int, payload []byte) *TickSource {
	if fps <= 0 {
		fps = 30
	}
	if len(payload) == 0 {
		payload = make([]byte, 16)
	}
	return &TickSource{
		Interval: time.Second / time.Duration(fps),
		Payload:  payload,
	}
}

func (s *TickSource) NextFrame(ctx context.Context) (Frame, error) {
	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Frame{Data: s.Payload, Duration: s.Interval}, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}
