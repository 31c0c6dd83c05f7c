package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeberg.org/mutker/sensorless/internal/applier"
	"codeberg.org/mutker/sensorless/internal/calibration"
	"codeberg.org/mutker/sensorless/internal/config"
	"codeberg.org/mutker/sensorless/internal/grbl"
	"codeberg.org/mutker/sensorless/internal/logger"
	"codeberg.org/mutker/sensorless/internal/monitor"
	"codeberg.org/mutker/sensorless/internal/pid"
	"codeberg.org/mutker/sensorless/internal/profile"
	"codeberg.org/mutker/sensorless/internal/sample"
)

type app struct {
	cfg    *config.Config
	store  profile.Store
	serial *grbl.Serial
	buf    *sample.Buffer
}

func initApp(requireSerial bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	applyLogLevel(cfg)

	store, err := profile.NewStore(cfg.Database, logger.Default())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: store}

	if requireSerial {
		if cfg.Port == "" {
			store.Close()
			return nil, fmt.Errorf("no serial port configured (use --port)")
		}

		serial, err := grbl.OpenSerial(grbl.SerialConfig{Port: cfg.Port, Baud: cfg.Baud}, logger.Default())
		if err != nil {
			store.Close()
			return nil, err
		}

		buf := sample.NewBuffer()
		serial.Subscribe(buf.Push)

		a.serial = serial
		a.buf = buf
	}

	return a, nil
}

func (a *app) close() {
	if a.serial != nil {
		if err := a.serial.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close serial port")
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close profile store")
	}
}

func applyLogLevel(cfg *config.Config) {
	switch config.LogLevel(cfg.LogLevel) {
	case config.LogLevelDebug:
		logger.SetLogLevel(logger.DebugLevel)
	case config.LogLevelInfo:
		logger.SetLogLevel(logger.InfoLevel)
	case config.LogLevelWarning:
		logger.SetLogLevel(logger.WarnLevel)
	case config.LogLevelError:
		logger.SetLogLevel(logger.ErrorLevel)
	}

	if cfg.Debug {
		logger.SetLogLevel(logger.DebugLevel)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func logAlert(a monitor.Alert) {
	event := logger.Warn()
	if a.Kind == monitor.KindCrash || a.Kind == monitor.KindOverheat || a.Kind == monitor.KindStopFailed {
		event = logger.Error()
	}

	e := event.Str("alert", string(a.Kind))
	if a.HasAxis {
		e = e.Str("axis", a.Axis.String())
	}
	for k, v := range a.Measurements {
		e = e.Float64(k, v)
	}
	(&logger.LogEvent{Event: e}).Msg(a.Message)
}

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Run the full self-calibration sequence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := initApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			prof, err := a.store.Load(a.cfg.Profile)
			if err != nil {
				return err
			}

			// The safety loop runs alongside calibration: read-only on
			// the buffer, and its emergency stops fail the in-flight
			// phase rather than corrupting it.
			mon := monitor.New(a.serial, a.buf, prof,
				time.Duration(a.cfg.Interval)*time.Millisecond, logAlert, logger.Default())
			mon.Start()
			defer mon.Stop()

			progress := func(p calibration.Progress) {
				e := logger.Info().
					Str("phase", string(p.Phase)).
					Int("percent", p.Percent)
				if p.HasAxis {
					e = e.Str("axis", p.Axis.String())
				}
				(&logger.LogEvent{Event: e}).Msg(p.Message)
			}

			cal, err := calibration.New(a.serial, a.buf, a.store, prof, calibConfig(a.cfg), progress, logger.Default())
			if err != nil {
				return err
			}

			if _, err := cal.Run(ctx); err != nil {
				return err
			}

			logger.Info().Str("profile", prof.Name).Msg("Calibration complete")

			return nil
		},
	}
}

func calibConfig(cfg *config.Config) calibration.Config {
	return calibration.Config{
		ProbeSpeeds:       cfg.ProbeSpeeds,
		ProbeDistance:     cfg.ProbeDistance,
		SearchDistance:    cfg.SearchDistance,
		SearchSpeed:       cfg.SearchSpeed,
		BacklashDeviation: cfg.BacklashDeviation,
		BacklashReaction:  cfg.BacklashReaction,
		BacklashFeed:      cfg.BacklashFeed,
		IdleTimeout:       time.Duration(cfg.IdleTimeout) * time.Second,
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Apply the stored profile and run the load monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := pid.Write(); err != nil {
				return err
			}
			defer func() {
				if err := pid.Remove(); err != nil {
					logger.Error().Err(err).Msg("Failed to remove PID file")
				}
			}()

			a, err := initApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			prof, err := a.store.Load(a.cfg.Profile)
			if err != nil {
				return err
			}

			if _, err := applier.Apply(ctx, a.serial, prof, logger.Default()); err != nil {
				return err
			}

			mon := monitor.New(a.serial, a.buf, prof,
				time.Duration(a.cfg.Interval)*time.Millisecond, logAlert, logger.Default())
			mon.Start()

			<-ctx.Done()
			mon.Stop()

			return nil
		},
	}
}

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Push the stored profile's settings to the controller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := initApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			prof, err := a.store.Load(a.cfg.Profile)
			if err != nil {
				return err
			}

			cmds, err := applier.Apply(ctx, a.serial, prof, logger.Default())
			if err != nil {
				return err
			}

			for _, c := range cmds {
				fmt.Println(c)
			}

			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored profile as a versioned document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := initApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			prof, err := a.store.Load(a.cfg.Profile)
			if err != nil {
				return err
			}

			blob, err := profile.Export(prof)
			if err != nil {
				return err
			}

			if out == "" {
				fmt.Println(string(blob))
				return nil
			}

			return os.WriteFile(out, blob, 0o644)
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the document to a file instead of stdout")

	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a profile document, validating before anything is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := initApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			prof, err := profile.Import(blob)
			if err != nil {
				return err
			}

			if err := a.store.Save(prof); err != nil {
				return err
			}

			logger.Info().Str("profile", prof.Name).Msg("Profile imported")

			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := initApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			names, err := a.store.List()
			if err != nil {
				return err
			}

			for _, name := range names {
				fmt.Println(name)
			}

			return nil
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sensorless",
		Short:         "Self-calibration and load monitoring for grblHAL machines with StallGuard drivers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags are parsed again by config.Load; they are declared here so
	// cobra accepts them and renders help.
	pf := root.PersistentFlags()
	pf.String("port", "", "Serial port of the grblHAL controller")
	pf.Int("baud", 115200, "Serial baud rate")
	pf.String("database", "", "Path to the profile database")
	pf.String("profile", "", "Machine profile name")
	pf.Int("interval", 50, "Monitor loop interval in milliseconds")
	pf.String("log-level", "", "Log level (debug, info, warning, error)")
	pf.Bool("debug", false, "Enable debugging mode")
	pf.Bool("verbose", false, "Enable verbose logging")

	root.AddCommand(
		newCalibrateCmd(),
		newMonitorCmd(),
		newApplyCmd(),
		newExportCmd(),
		newImportCmd(),
		newListCmd(),
	)

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sensorless: %v\n", err)
		os.Exit(1)
	}
}
