// ABOUTME: Entry point for the audiocore daemon
// ABOUTME: Hosts the audio module, remote control, mDNS advertisement and cue scripts
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/audiocore/internal/config"
	"github.com/Resonate-Protocol/audiocore/internal/control"
	"github.com/Resonate-Protocol/audiocore/internal/cuescript"
	"github.com/Resonate-Protocol/audiocore/internal/discovery"
	"github.com/Resonate-Protocol/audiocore/internal/logging"
	"github.com/Resonate-Protocol/audiocore/internal/version"
	"github.com/Resonate-Protocol/audiocore/pkg/audiomodule"
	"github.com/Resonate-Protocol/audiocore/pkg/engine"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/decred/slog"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "YAML config file (default: built-in defaults)")
	envFile    = flag.String("env", ".env", "Environment file loaded before config")
	addr       = flag.String("addr", "", "Control server address (overrides config)")
	name       = flag.String("name", "", "Daemon friendly name (default: hostname-audiocore)")
	driverName = flag.String("driver", "", "Audio driver: auto, pulse, oto, malgo, null")
	headless   = flag.Bool("headless", false, "Render without an audio device")
	logLevel   = flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	logFile    = flag.String("log-file", "", "Log file path (overrides config)")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	cueScript  = flag.String("cues", "", "Lua cue script to schedule at startup")
	statsEvery = flag.Duration("stats", 30*time.Second, "Engine stats log interval (0 disables)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "audiocored: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logs, err := logging.Open(cfg.Log.File)
	if err != nil {
		return err
	}
	defer logs.Close()

	if err := logs.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := logs.SetLevels(cfg.Log.Subsystems); err != nil {
		return err
	}
	log := logs.Logger(logging.SubsystemMain)

	daemonName := cfg.Control.Name
	if daemonName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		daemonName = fmt.Sprintf("%s-audiocore", hostname)
	}

	log.Infof("Starting %s: %s", version.String(), daemonName)
	if cfg.Log.File != "" {
		log.Infof("Logging to: %s", cfg.Log.File)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := rpc.NewMainLoop(256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	mod := audiomodule.New(cfg, moduleOptions(cfg, loop)...)

	mode := audiomodule.RunModeConsole
	if cfg.Audio.Headless {
		mode = audiomodule.RunModeHeadless
	}
	if err := mod.OnInit(mode); err != nil {
		stop()
		g.Wait()
		mod.OnDeinit()
		return err
	}

	startErr := start(gctx, g, cfg, daemonName, mod, loop, log)
	if startErr != nil {
		log.Errorf("Startup failed: %v", startErr)
		stop()
	} else {
		log.Infof("Press Ctrl-C to stop")
	}
	err = g.Wait()

	log.Infof("Shutting down")
	if derr := mod.OnDeinit(); derr != nil {
		log.Warnf("Audio module deinit: %v", derr)
	}
	if startErr != nil {
		return startErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("Stopped cleanly")
	return nil
}

// loadConfig layers defaults, the YAML file, the environment and flags
func loadConfig() (config.Config, error) {
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", *envFile, err)
		}
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if *addr != "" {
		cfg.Control.Addr = *addr
	}
	if *name != "" {
		cfg.Control.Name = *name
	}
	if *driverName != "" {
		cfg.Audio.Driver = *driverName
	}
	if *headless {
		cfg.Audio.Headless = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *noMDNS {
		cfg.Discovery.Enabled = false
	}
	if *cueScript != "" {
		cfg.CueScript = *cueScript
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func moduleOptions(cfg config.Config, loop *rpc.MainLoop) []audiomodule.Option {
	engineOpts := []engine.Option{
		engine.WithVolume(cfg.Audio.Volume),
		engine.WithAppName(version.Product),
	}
	if len(cfg.Audio.Tracks) > 0 {
		engineOpts = append(engineOpts, engine.WithTracks(cfg.Audio.Tracks...))
	}

	return []audiomodule.Option{
		audiomodule.WithFormat(cfg.Format()),
		audiomodule.WithDriverName(cfg.Audio.Driver),
		audiomodule.WithMainThread(loop.Post),
		audiomodule.WithChannelCapacity(cfg.RPC.Capacity),
		audiomodule.WithSequencerCapacity(cfg.Sequencer.Capacity),
		audiomodule.WithCyclePeriod(cfg.CyclePeriod()),
		audiomodule.WithEngineOptions(engineOpts...),
		audiomodule.WithThreadOptions(engine.WithNice(cfg.Audio.Nice)),
	}
}

// start brings up the optional surfaces around a running module
func start(ctx context.Context, g *errgroup.Group, cfg config.Config, daemonName string,
	mod *audiomodule.Module, loop *rpc.MainLoop, log slog.Logger) error {

	if cfg.CueScript != "" {
		runner := cuescript.New(mod.Sequencer())
		if err := runner.RunFile(ctx, cfg.CueScript); err != nil {
			return err
		}
	}

	if *statsEvery > 0 {
		g.Go(func() error {
			reportStats(ctx, mod, *statsEvery, log)
			return nil
		})
	}

	if cfg.Control.Addr == "" {
		log.Infof("Control server disabled")
		return nil
	}

	srv := control.New(control.Config{Addr: cfg.Control.Addr, Name: daemonName}, mod, loop)
	if err := srv.Listen(); err != nil {
		return err
	}
	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if !cfg.Discovery.Enabled {
		return nil
	}

	mdnsManager := discovery.NewManager(discovery.Config{
		ServiceName: daemonName,
		Service:     cfg.Discovery.Service,
		Port:        srv.Port(),
		Info: []string{
			"driver=" + mod.Engine().DriverName(),
			"version=" + version.Version,
		},
	})
	if err := mdnsManager.Advertise(); err != nil {
		log.Warnf("Failed to start mDNS advertisement: %v", err)
		return nil
	}
	g.Go(func() error {
		<-ctx.Done()
		mdnsManager.Stop()
		return nil
	})
	log.Infof("mDNS advertisement started")
	return nil
}

// reportStats logs engine counters until ctx is done
func reportStats(ctx context.Context, mod *audiomodule.Module, every time.Duration, log slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := mod.Engine().Stats()
			c := mod.Channel().Stats()
			log.Debugf("Engine: rendered=%d pulled=%d underruns=%d applied=%d buffered=%d | rpc: sent=%d rejected=%d pending=%d",
				s.FramesRendered, s.FramesPulled, s.Underruns, s.Applied, s.Buffered,
				c.Sent, c.Rejected, mod.Sequencer().Pending())
		}
	}
}
