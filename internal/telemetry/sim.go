package telemetry

import (
	"math"
	"math/rand"
	"sync"
)

// SimSampler produces plausible boat telemetry without hardware: the
// position drifts with the current heading and speed, the battery
// drains slowly, and environment readings wobble around fixed means.
// Used by the simulate subcommand and by tests.
type SimSampler struct {
	mu        sync.Mutex
	latitude  float64
	longitude float64
	heading   float64
	speed     float64
	battery   float64
	rnd       *rand.Rand
}

// NewSimSampler seeds a simulated boat near San Francisco Bay.
func NewSimSampler(seed int64) *SimSampler {
	rnd := rand.New(rand.NewSource(seed))
	return &SimSampler{
		latitude:  37.7749 + (rnd.Float64()-0.5)*0.05,
		longitude: -122.4194 + (rnd.Float64()-0.5)*0.05,
		heading:   rnd.Float64() * 360,
		speed:     rnd.Float64() * 5,
		battery:   100,
		rnd:       rnd,
	}
}

// Sample advances the simulation one step and returns the snapshot.
func (s *SimSampler) Sample() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latitude += s.speed * 0.0001 * math.Cos(s.heading*math.Pi/180)
	s.longitude += s.speed * 0.0001 * math.Sin(s.heading*math.Pi/180)

	if s.rnd.Float64() < 0.1 {
		s.heading = math.Mod(s.heading+(s.rnd.Float64()-0.5)*10+360, 360)
	}
	if s.rnd.Float64() < 0.05 {
		s.speed = clamp(s.speed+(s.rnd.Float64()-0.5), 0, 10)
	}
	s.battery = clamp(s.battery-0.01, 0, 100)

	return Record{
		Position: Position{Latitude: s.latitude, Longitude: s.longitude},
		Heading:  s.heading,
		Speed:    s.speed,
		Battery:  s.battery,
		Sensors: map[string]float64{
			"battery_voltage": 12.0 + (s.battery-50)*0.04,
			"cpu_temp":        45.0 + s.rnd.Float64()*15,
			"signal_strength": -50 - s.rnd.Float64()*30,
			"water_temp":      15.0 + s.rnd.Float64()*5,
			"air_temp":        20.0 + s.rnd.Float64()*10,
			"air_pressure":    1013.0 + (s.rnd.Float64()-0.5)*10,
			"humidity":        60.0 + s.rnd.Float64()*20,
			"water_depth":     15.0 + s.rnd.Float64()*2,
			"wind_speed":      5.0 + s.rnd.Float64()*5,
			"wind_direction":  math.Mod(s.heading+180+(s.rnd.Float64()-0.5)*45+360, 360),
		},
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
