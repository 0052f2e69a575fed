// Package telemetry samples device state on a fixed cadence and keeps
// an on-disk flight log of what was sent.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boatd/internal/log"
)

// Position is a WGS84 coordinate pair.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Record is one telemetry snapshot. Immutable once constructed.
type Record struct {
	Timestamp time.Time          `json:"-"`
	Position  Position           `json:"position"`
	Heading   float64            `json:"heading"`
	Speed     float64            `json:"speed"`
	Battery   float64            `json:"battery"`
	Sensors   map[string]float64 `json:"sensorReadings,omitempty"`

	// Diagnostics carries connection facts (public address, NAT type)
	// that change rarely and ride along on every record.
	Diagnostics map[string]string `json:"diagnostics,omitempty"`

	// TimestampMs mirrors Timestamp in unix milliseconds on the wire.
	TimestampMs int64 `json:"timestamp"`
}

// Sampler reads current sensor state. Implementations may block on
// hardware; Source enforces the time budget.
type Sampler interface {
	Sample() (Record, error)
}

// Source wraps a Sampler with a bounded-time read and a last-known
// fallback, so a stalled sensor cannot break the telemetry cadence.
type Source struct {
	sampler Sampler
	budget  time.Duration
	logg    zerolog.Logger

	mu          sync.Mutex
	last        Record
	haveLast    bool
	diagnostics map[string]string
}

// NewSource creates a source with the given per-sample time budget.
func NewSource(sampler Sampler, budget time.Duration) *Source {
	if budget <= 0 {
		budget = 250 * time.Millisecond
	}
	return &Source{
		sampler: sampler,
		budget:  budget,
		logg:    log.WithComponent("telemetry"),
	}
}

// Sample returns a fresh record, or the last known one (with a fresh
// timestamp) when the sensor read stalls or fails.
func (s *Source) Sample(ctx context.Context) Record {
	type result struct {
		rec Record
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rec, err := s.sampler.Sample()
		ch <- result{rec, err}
	}()

	timer := time.NewTimer(s.budget)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			s.logg.Warn().Err(res.err).Msg("sensor read failed, using last known values")
			return s.fallback()
		}
		rec := stamp(res.rec)
		s.mu.Lock()
		s.last = rec
		s.haveLast = true
		rec.Diagnostics = s.diagnostics
		s.mu.Unlock()
		return rec
	case <-timer.C:
		s.logg.Warn().Dur("budget", s.budget).Msg("sensor read stalled, using last known values")
		return s.fallback()
	case <-ctx.Done():
		return s.fallback()
	}
}

// SetDiagnostics attaches connection diagnostics to every subsequent
// record. Safe to call from the probe goroutine while sampling runs.
func (s *Source) SetDiagnostics(d map[string]string) {
	s.mu.Lock()
	s.diagnostics = d
	s.mu.Unlock()
}

func (s *Source) fallback() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := Record{}
	if s.haveLast {
		rec = s.last
	}
	rec.Diagnostics = s.diagnostics
	return stamp(rec)
}

func stamp(rec Record) Record {
	now := time.Now()
	rec.Timestamp = now
	rec.TimestampMs = now.UnixMilli()
	return rec
}
