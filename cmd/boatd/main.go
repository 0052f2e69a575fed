package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"boatd/internal/command"
	"boatd/internal/config"
	"boatd/internal/device"
	"boatd/internal/execx"
	"boatd/internal/log"
	"boatd/internal/media"
	"boatd/internal/motor"
	"boatd/internal/stunutil"
	"boatd/internal/telemetry"
	"boatd/internal/ws"
)

const version = "0.3.0"

const usage = `boatd - autonomous boat device daemon

Usage:
  boatd run --config <path>       run against real motor hardware
  boatd simulate --config <path>  run with simulated motors
  boatd discover --config <path>  probe STUN servers and print NAT info
  boatd version

Environment overrides: WS_SERVER_URL, DEVICE_ID, TELEMETRY_INTERVAL.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "run":
		handleRun(os.Args[2:], false)
	case "simulate":
		handleRun(os.Args[2:], true)
	case "discover":
		handleDiscover(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) config.Config {
	path := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	var cfg config.Config
	var err error
	if *path != "" {
		cfg, err = config.Load(*path)
	} else {
		// Env-only operation: everything from environment overrides.
		err = config.ApplyEnv(&cfg)
		config.ApplyDefaults(&cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func handleRun(args []string, simulated bool) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	dev := cfg.Device

	log.Configure(dev.LogLevel, nil)
	logg := log.WithComponent("main")
	logg.Info().Str("device_id", dev.ID).Str("version", version).
		Str("server", ws.ResolveURL(dev.ServerURL, dev.ID)).
		Bool("simulated", simulated).Msg("starting boat device")

	ctrl, err := buildMotor(dev, simulated)
	if err != nil {
		fmt.Fprintf(os.Stderr, "motor: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Cleanup()

	channel := ws.New(ws.Options{
		ServerURL:     dev.ServerURL,
		DeviceID:      dev.ID,
		ReconnectBase: dev.ReconnectBase(),
		ReconnectMax:  dev.ReconnectMax(),
		ReadTimeout:   dev.ReadTimeout(),
	})

	mediaMgr := media.NewManager(media.Options{
		STUNServers: dev.STUNServers,
		VideoFPS:    dev.Video.FPS,
	}, media.NewTickSource(dev.Video.FPS, nil), channel.Send)

	source := telemetry.NewSource(
		telemetry.NewSimSampler(time.Now().UnixNano()), dev.SensorBudget())

	var recorder *telemetry.Recorder
	if dev.FlightLogPath != "" {
		recorder, err = telemetry.OpenRecorder(dev.FlightLogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flight log: %v\n", err)
			os.Exit(1)
		}
		defer recorder.Close()
	}

	orch := device.New(device.Options{
		TelemetryInterval: dev.TelemetryInterval(),
	}, channel, command.NewExecutor(ctrl), mediaMgr, source, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(dev.STUNServers) > 0 {
		go probeDiagnostics(ctx, dev.STUNServers, source, logg)
	}

	if err := orch.Run(ctx); err != nil {
		logg.Error().Err(err).Msg("device stopped with error")
		os.Exit(1)
	}
}

// probeDiagnostics runs a one-time NAT probe and attaches the result
// to outgoing telemetry.
func probeDiagnostics(ctx context.Context, servers []string, source *telemetry.Source, logg zerolog.Logger) {
	res, err := stunutil.Probe(ctx, servers, 5*time.Second)
	if err != nil {
		logg.Warn().Err(err).Msg("NAT probe failed, diagnostics omitted")
		return
	}
	logg.Info().Str("public_addr", res.PublicAddr).Str("nat_type", res.NATType).Msg("NAT probe")
	source.SetDiagnostics(map[string]string{
		"public_addr": res.PublicAddr,
		"nat_type":    res.NATType,
	})
}

// buildMotor wires the actuator: pigpio-backed hardware PWM for real
// runs, no-op outputs for simulation.
func buildMotor(dev *config.DeviceConfig, simulated bool) (*motor.Controller, error) {
	var rudder, thrust motor.PWM
	if simulated {
		rudder, thrust = motor.NopPWM{}, motor.NopPWM{}
	} else {
		rudderGPIO, err := motor.ChannelGPIO(dev.Motor.Chip, dev.Motor.RudderChannel)
		if err != nil {
			return nil, err
		}
		thrustGPIO, err := motor.ChannelGPIO(dev.Motor.Chip, dev.Motor.ThrustChannel)
		if err != nil {
			return nil, err
		}
		runner := execx.NewOSRunner(nil, nil)
		rudder = motor.NewPigsPWM(runner, rudderGPIO, dev.Motor.FrequencyHz)
		thrust = motor.NewPigsPWM(runner, thrustGPIO, dev.Motor.FrequencyHz)
	}

	ctrl := motor.NewController(rudder, thrust)
	if err := ctrl.Initialize(); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "per-server probe timeout")
	cfg := loadConfig(fs, args)

	servers := cfg.Device.STUNServers
	if len(servers) == 0 {
		servers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}
	}

	res, err := stunutil.Probe(context.Background(), servers, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("public_addr=%s nat_type=%s\n", res.PublicAddr, res.NATType)
}
