package motor

import (
	"fmt"

	"boatd/internal/execx"
)

// PigsPWM drives one GPIO's hardware PWM through the pigpio daemon's
// pigs CLI. Duty percentages are converted to the 0..1,000,000 ppm
// scale pigs expects.
type PigsPWM struct {
	runner      execx.Runner
	gpio        int
	frequencyHz int
}

// NewPigsPWM creates a pigs-backed PWM output for a GPIO pin.
func NewPigsPWM(runner execx.Runner, gpio, frequencyHz int) *PigsPWM {
	return &PigsPWM{runner: runner, gpio: gpio, frequencyHz: frequencyHz}
}

func (p *PigsPWM) Start(dutyPct float64) error {
	return p.SetDuty(dutyPct)
}

func (p *PigsPWM) SetDuty(dutyPct float64) error {
	ppm := int(dutyPct * 10000)
	if ppm < 0 {
		ppm = 0
	}
	if ppm > 1000000 {
		ppm = 1000000
	}
	if err := p.runner.Run("pigs", "hp", itoa(p.gpio), itoa(p.frequencyHz), itoa(ppm)); err != nil {
		return fmt.Errorf("pigs hp gpio %d: %w", p.gpio, err)
	}
	return nil
}

func (p *PigsPWM) Stop() error {
	// Frequency 0 releases the channel.
	if err := p.runner.Run("pigs", "hp", itoa(p.gpio), "0", "0"); err != nil {
		return fmt.Errorf("pigs stop gpio %d: %w", p.gpio, err)
	}
	return nil
}

func itoa(v int) string {
	return fmt.Sprintf("%d", v)
}

// NopPWM accepts every duty cycle and drives nothing. Used by
// simulated devices with no motor hardware attached.
type NopPWM struct{}

func (NopPWM) Start(float64) error   { return nil }
func (NopPWM) SetDuty(float64) error { return nil }
func (NopPWM) Stop() error           { return nil }

// ChannelGPIO maps a hardware PWM chip/channel pair to its GPIO pin
// on the Raspberry Pi 5 header.
func ChannelGPIO(chip, channel int) (int, error) {
	// Chip 2 exposes GPIO 18 (channel 2) and GPIO 19 (channel 3).
	if chip == 2 {
		switch channel {
		case 2:
			return 18, nil
		case 3:
			return 19, nil
		}
	}
	// Chip 0 exposes GPIO 12 (channel 0) and GPIO 13 (channel 1).
	if chip == 0 {
		switch channel {
		case 0:
			return 12, nil
		case 1:
			return 13, nil
		}
	}
	return 0, fmt.Errorf("no GPIO mapping for pwm chip %d channel %d", chip, channel)
}
