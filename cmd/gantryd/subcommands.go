package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/config"
	"github.com/gantry-dev/gantry/internal/daemon"
	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/internal/executor"
	"github.com/gantry-dev/gantry/internal/health"
	"github.com/gantry-dev/gantry/internal/pool"
	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/internal/store"
	"github.com/gantry-dev/gantry/internal/telemetry"
	"github.com/gantry-dev/gantry/pkg/api"
)

// Run the orchestration daemon
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	secrets, err := config.LoadSecretsEnv("")
	if err != nil {
		return err
	}

	// Registration is fail-fast: a bad dependency edge or cycle aborts
	// startup before anything listens.
	reg := registry.New()
	for _, d := range cfg.Descriptors() {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	log.Info().Int("services", reg.Len()).Msg("service registry loaded")

	var st *store.Store
	if cfg.StorePath != "" {
		st, err = store.New(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		if err := st.SaveDescriptors(ctx, cfg.Descriptors()); err != nil {
			return fmt.Errorf("persist services: %w", err)
		}
	}

	monitor := health.NewMonitor(reg, &health.HTTPProber{}, health.Config{
		RefreshInterval:     time.Duration(cfg.Health.RefreshIntervalSeconds) * time.Second,
		MaxConcurrentProbes: cfg.Health.MaxConcurrentProbes,
	})
	if st != nil {
		monitor.OnTransition = func(h api.ServiceHealth) {
			if err := st.UpsertHealth(context.Background(), h); err != nil {
				log.Warn().Str("service", h.Name).Err(err).Msg("persist health failed")
			}
		}
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	router := &executor.Router{
		HTTP: &executor.HTTPExecutor{Tokens: config.TokenSourceFrom(secrets)},
	}
	if cfg.SSH.KeyPath != "" {
		router.SSH = &executor.SSHExecutor{
			User:       cfg.SSH.User,
			KeyPath:    cfg.SSH.KeyPath,
			KnownHosts: cfg.SSH.KnownHosts,
		}
	}

	collector := telemetry.NewCollector(cfg.Monitoring.Enabled, time.Minute)
	defer collector.Shutdown()

	p := pool.New(pool.Config{
		MinWorkers:     cfg.Pool.MinWorkers,
		MaxWorkers:     cfg.Pool.MaxWorkers,
		InitialWorkers: cfg.Pool.InitialWorkers,
		QueueSize:      cfg.Pool.QueueSize,
		ScaleInterval:  time.Duration(cfg.Pool.ScaleIntervalSeconds) * time.Second,
		HighWaterPct:   cfg.Pool.HighWaterPct,
		Sampler:        telemetry.SystemSampler{},
	}, &dispatch.ExecRunner{Reg: reg, Exec: router})
	p.Start(ctx)

	dispatcher := dispatch.New(reg, monitor, p, collector)
	dispatcher.ProbeUnknown = cfg.Health.ProbeUnknown

	if cfg.Monitoring.Enabled {
		ms := telemetry.NewMonitoringServer(cfg.Monitoring.Addr, collector, monitor.Snapshot, p.Stats)
		go func() {
			if err := ms.Start(); err != nil {
				log.Warn().Err(err).Msg("monitoring server stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	ctl := daemon.NewServer(version, reg, monitor, dispatcher)
	errc := make(chan error, 1)
	go func() {
		errc <- ctl.ListenAndServe(cfg.Listen)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ctl.Shutdown(sctx)
	if err := p.Stop(sctx); err != nil {
		log.Warn().Err(err).Msg("pool drain incomplete")
	}
	return nil
}

// Inspect the persisted service set
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted services and their last known health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.StorePath == "" {
				return fmt.Errorf("no store_path configured")
			}
			st, err := store.New(cfg.StorePath)
			if err != nil {
				return err
			}
			defer st.Close()

			descs, err := st.LoadDescriptors(cmd.Context())
			if err != nil {
				return err
			}
			healthRows, err := st.ListHealth(cmd.Context())
			if err != nil {
				return err
			}
			states := make(map[string]string, len(healthRows))
			for _, h := range healthRows {
				states[h.Name] = string(h.State)
			}
			for _, d := range descs {
				state := states[d.Name]
				if state == "" {
					state = "unknown"
				}
				fmt.Printf("%s\t%s\t%s\tdeps=%v\n", d.Name, d.Address, state, d.DependsOn)
			}
			return nil
		},
	}
}

// Validate the configuration without starting anything
func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			reg := registry.New()
			for _, d := range cfg.Descriptors() {
				if err := reg.Register(d); err != nil {
					return fmt.Errorf("register %s: %w", d.Name, err)
				}
			}
			fmt.Printf("config ok: %d services, listen %s\n", reg.Len(), cfg.Listen)
			return nil
		},
	}
}
