// Package command validates remote commands against the device's
// capability table and dispatches them to the actuator hardware.
package command

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boatd/internal/log"
	"boatd/internal/protocol"
)

// Actuator is the hardware dispatch capability. Implementations
// report an error for hardware failures; the executor never retries.
type Actuator interface {
	Apply(ctx context.Context, kind string, params map[string]float64) (any, error)
}

// Outcome is the terminal result of one command.
type Outcome struct {
	Status string // completed | failed | rejected
	Result any
	Reason string
}

func Completed(result any) Outcome {
	return Outcome{Status: protocol.OutcomeCompleted, Result: result}
}

func Failed(reason string) Outcome {
	return Outcome{Status: protocol.OutcomeFailed, Reason: reason}
}

func Rejected(reason string) Outcome {
	return Outcome{Status: protocol.OutcomeRejected, Reason: reason}
}

// paramSpec bounds one numeric command parameter.
type paramSpec struct {
	name string
	min  float64
	max  float64
}

// capabilities is the fixed table of command kinds the device accepts.
var capabilities = map[string][]paramSpec{
	"setRudder":   {{name: "degrees", min: -135, max: 135}},
	"setThrottle": {{name: "percent", min: -100, max: 100}},
	"setHeading":  {{name: "degrees", min: 0, max: 360}},
	"stop":        nil,
	"status":      nil,
}

// Executor runs commands one at a time against the actuator.
// Validation is lock-free; only the hardware call is serialised.
type Executor struct {
	actuator Actuator
	logg     zerolog.Logger

	mu sync.Mutex // serialises actuator access
}

func NewExecutor(actuator Actuator) *Executor {
	return &Executor{
		actuator: actuator,
		logg:     log.WithComponent("command"),
	}
}

// Execute validates and dispatches one command. Unknown kinds and
// malformed parameters are rejected without touching the actuator.
func (e *Executor) Execute(ctx context.Context, cmd protocol.CommandPayload) Outcome {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	logg := e.logg.With().Str("command_id", cmd.ID).Str("kind", cmd.Kind).Logger()

	specs, ok := capabilities[cmd.Kind]
	if !ok {
		logg.Warn().Msg("unknown command kind")
		return Rejected(fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}

	params, err := validateParams(specs, cmd.Parameters)
	if err != nil {
		logg.Warn().Err(err).Msg("command rejected")
		return Rejected(err.Error())
	}

	e.mu.Lock()
	result, err := e.actuator.Apply(ctx, cmd.Kind, params)
	e.mu.Unlock()

	if err != nil {
		logg.Error().Err(err).Msg("command failed")
		return Failed(err.Error())
	}
	logg.Info().Msg("command completed")
	return Completed(result)
}

func validateParams(specs []paramSpec, raw map[string]any) (map[string]float64, error) {
	params := make(map[string]float64, len(specs))
	for _, spec := range specs {
		v, ok := raw[spec.name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", spec.name)
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be a number", spec.name)
		}
		if f < spec.min || f > spec.max {
			return nil, fmt.Errorf("parameter %q out of range [%g, %g]", spec.name, spec.min, spec.max)
		}
		params[spec.name] = f
	}
	return params, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
