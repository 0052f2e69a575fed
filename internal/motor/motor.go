// Package motor drives the boat's rudder servo and thrust ESC over
// hardware PWM and exposes them as the command actuator capability.
package motor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boatd/internal/log"
)

// Rudder range is -135..135 degrees on a 270-degree servo:
// 500us pulse (2.5% at 50Hz) full port, 1500us (7.5%) centre,
// 2500us (12.5%) full starboard.
// Throttle range is -100..100 percent on a bi-directional ESC:
// 1000us (5.0%) full reverse, 1500us (7.5%) neutral, 2000us (10.0%)
// full forward.
const (
	RudderMinDeg = -135
	RudderMaxDeg = 135

	ThrottleMin = -100
	ThrottleMax = 100

	neutralDuty = 7.5

	defaultRampTime = time.Second
	defaultRampStep = 2.0
)

// PWM is one hardware PWM output.
type PWM interface {
	Start(dutyPct float64) error
	SetDuty(dutyPct float64) error
	Stop() error
}

// Controller owns the rudder and thrust PWM outputs. All motion is
// serialised through its mutex.
type Controller struct {
	rudder PWM
	thrust PWM
	logg   zerolog.Logger

	rampTime time.Duration
	rampStep float64

	mu            sync.Mutex
	initialized   bool
	currentRudder float64
	currentThrust float64
	targetHeading float64
	hasHeading    bool
}

// NewController wires the two PWM outputs. Initialize must be called
// before any motion command.
func NewController(rudder, thrust PWM) *Controller {
	return &Controller{
		rudder:   rudder,
		thrust:   thrust,
		logg:     log.WithComponent("motor"),
		rampTime: defaultRampTime,
		rampStep: defaultRampStep,
	}
}

// Initialize starts both PWM outputs, thrust at neutral so the ESC
// arms safely.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.rudder.Start(neutralDuty); err != nil {
		return fmt.Errorf("rudder pwm: %w", err)
	}
	if err := c.thrust.Start(neutralDuty); err != nil {
		_ = c.rudder.Stop()
		return fmt.Errorf("thrust pwm: %w", err)
	}
	c.initialized = true
	c.currentRudder = 0
	c.currentThrust = 0
	c.logg.Info().Msg("motor control initialized")
	return nil
}

// DegreesToDutyCycle maps rudder degrees [-135, 135] to a duty cycle
// percentage [2.5, 12.5] at 50Hz.
func DegreesToDutyCycle(degrees float64) float64 {
	duty := 7.5 + (degrees/135.0)*5.0
	if duty < 2.5 {
		return 2.5
	}
	if duty > 12.5 {
		return 12.5
	}
	return duty
}

// SpeedToDutyCycle maps throttle percent [-100, 100] to a duty cycle
// percentage [5.0, 10.0] at 50Hz.
func SpeedToDutyCycle(percent float64) float64 {
	duty := 7.5 + (percent/100.0)*2.5
	if duty < 5.0 {
		return 5.0
	}
	if duty > 10.0 {
		return 10.0
	}
	return duty
}

// SetRudder moves the rudder to the given angle in degrees.
func (c *Controller) SetRudder(degrees float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("motor control not initialized")
	}
	if degrees < RudderMinDeg || degrees > RudderMaxDeg {
		return fmt.Errorf("rudder angle %g out of range [%d, %d]", degrees, RudderMinDeg, RudderMaxDeg)
	}
	if err := c.rudder.SetDuty(DegreesToDutyCycle(degrees)); err != nil {
		return fmt.Errorf("set rudder: %w", err)
	}
	c.currentRudder = degrees
	c.logg.Info().Float64("degrees", degrees).Msg("rudder set")
	return nil
}

// SetThrottle ramps the thrust to the target percentage. Large steps
// are applied gradually so the ESC never sees an abrupt jump; the
// ramp is abandoned (motors left at the last applied step) when ctx
// is cancelled.
func (c *Controller) SetThrottle(ctx context.Context, percent float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("motor control not initialized")
	}
	if percent < ThrottleMin || percent > ThrottleMax {
		return fmt.Errorf("throttle %g out of range [%d, %d]", percent, ThrottleMin, ThrottleMax)
	}

	diff := percent - c.currentThrust
	if abs(diff) <= c.rampStep {
		if err := c.thrust.SetDuty(SpeedToDutyCycle(percent)); err != nil {
			return fmt.Errorf("set throttle: %w", err)
		}
		c.currentThrust = percent
		c.logg.Info().Float64("percent", percent).Msg("throttle set")
		return nil
	}

	steps := int(abs(diff) / c.rampStep)
	if steps == 0 {
		steps = 1
	}
	delay := c.rampTime / time.Duration(steps)
	dir := 1.0
	if diff < 0 {
		dir = -1
	}

	start := c.currentThrust
	for i := 1; i <= steps; i++ {
		target := start + float64(i)*c.rampStep*dir
		if i == steps {
			target = percent
		}
		if err := c.thrust.SetDuty(SpeedToDutyCycle(target)); err != nil {
			return fmt.Errorf("set throttle: %w", err)
		}
		c.currentThrust = target

		if i == steps {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("throttle ramp interrupted at %g%%: %w", target, ctx.Err())
		}
	}
	c.logg.Info().Float64("percent", percent).Msg("throttle set")
	return nil
}

// StopMotion brings the thrust back to neutral.
func (c *Controller) StopMotion(ctx context.Context) error {
	return c.SetThrottle(ctx, 0)
}

// SetHeading records the autopilot heading setpoint. Steering toward
// it is the navigation layer's job; the actuator only holds the
// target.
func (c *Controller) SetHeading(degrees float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return fmt.Errorf("motor control not initialized")
	}
	if degrees < 0 || degrees > 360 {
		return fmt.Errorf("heading %g out of range [0, 360]", degrees)
	}
	c.targetHeading = degrees
	c.hasHeading = true
	c.logg.Info().Float64("degrees", degrees).Msg("heading setpoint")
	return nil
}

// Status returns the current actuator positions.
func (c *Controller) Status() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := map[string]any{
		"rudderDegrees":   c.currentRudder,
		"throttlePercent": c.currentThrust,
		"initialized":     c.initialized,
	}
	if c.hasHeading {
		status["targetHeading"] = c.targetHeading
	}
	return status
}

// Apply implements the actuator capability used by the command
// executor.
func (c *Controller) Apply(ctx context.Context, kind string, params map[string]float64) (any, error) {
	switch kind {
	case "setRudder":
		if err := c.SetRudder(params["degrees"]); err != nil {
			return nil, err
		}
		return c.Status(), nil
	case "setThrottle":
		if err := c.SetThrottle(ctx, params["percent"]); err != nil {
			return nil, err
		}
		return c.Status(), nil
	case "setHeading":
		if err := c.SetHeading(params["degrees"]); err != nil {
			return nil, err
		}
		return c.Status(), nil
	case "stop":
		if err := c.StopMotion(ctx); err != nil {
			return nil, err
		}
		return c.Status(), nil
	case "status":
		return c.Status(), nil
	}
	return nil, fmt.Errorf("actuator does not implement %q", kind)
}

// Cleanup forces the thrust to neutral without ramping and releases
// both PWM outputs. Safe to call more than once.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if err := c.thrust.SetDuty(neutralDuty); err != nil {
		c.logg.Error().Err(err).Msg("emergency neutral failed")
	}
	c.currentThrust = 0
	if err := c.rudder.Stop(); err != nil {
		c.logg.Error().Err(err).Msg("rudder pwm stop failed")
	}
	if err := c.thrust.Stop(); err != nil {
		c.logg.Error().Err(err).Msg("thrust pwm stop failed")
	}
	c.initialized = false
	c.logg.Info().Msg("motor control shut down")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
