package commands

import (
	"context"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/api"
	"github.com/tosproject/tosminer/internal/config"
	"github.com/tosproject/tosminer/internal/logging"
	"github.com/tosproject/tosminer/internal/mining"
	"github.com/tosproject/tosminer/internal/monitoring"
	"github.com/tosproject/tosminer/internal/stratum"
)

var (
	flagPools      []string
	flagUser       string
	flagPass       string
	flagProtocol   string
	flagCPUThreads int
	flagNoCPU      bool
	flagGPU        bool
	flagAPIAddr    string
)

// kernelRunnerFor builds the accelerator dispatch for a GPU device.
// Vendor runtime integrations install it at link time; when nil, GPU
// devices are skipped.
var kernelRunnerFor func(mining.DeviceDescriptor) (mining.KernelRunner, error)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Start mining against the configured pool",
	RunE:  runMine,
}

func init() {
	mineCmd.Flags().StringArrayVarP(&flagPools, "pool", "P", nil, "pool url (repeatable, stratum+tcp://host:port)")
	mineCmd.Flags().StringVarP(&flagUser, "user", "u", "", "pool user (wallet[.worker])")
	mineCmd.Flags().StringVarP(&flagPass, "pass", "p", "", "pool password")
	mineCmd.Flags().StringVar(&flagProtocol, "protocol", "", "stratum dialect (stratum, ethproxy, ethereumstratum)")
	mineCmd.Flags().IntVarP(&flagCPUThreads, "cpu-threads", "t", 0, "cpu threads (0 = auto)")
	mineCmd.Flags().BoolVar(&flagNoCPU, "no-cpu", false, "disable cpu mining")
	mineCmd.Flags().BoolVar(&flagGPU, "gpu", false, "enable gpu mining")
	mineCmd.Flags().StringVar(&flagAPIAddr, "api-bind", "", "enable the http api on this address")
	rootCmd.AddCommand(mineCmd)
}

// loadMineConfig merges the config file with command-line overrides.
func loadMineConfig() (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(cfgFile); err == nil {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(flagPools) > 0 {
		cfg.Pool.URLs = flagPools
	}
	if flagUser != "" {
		cfg.Pool.User = flagUser
	}
	if flagPass != "" {
		cfg.Pool.Pass = flagPass
	}
	if flagProtocol != "" {
		cfg.Pool.Protocol = flagProtocol
	}
	if flagCPUThreads > 0 {
		cfg.Mining.CPUThreads = flagCPUThreads
	}
	if flagNoCPU {
		cfg.Mining.EnableCPU = false
	}
	if flagGPU {
		cfg.Mining.EnableGPU = true
	}
	if flagAPIAddr != "" {
		cfg.API.Enabled = true
		cfg.API.ListenAddr = flagAPIAddr
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMine(cmd *cobra.Command, args []string) error {
	cfg, err := loadMineConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	farm, err := buildFarm(cfg, logger)
	if err != nil {
		return err
	}

	stratumCfg, err := cfg.StratumConfig()
	if err != nil {
		return err
	}
	client, err := stratum.NewClient(stratumCfg, logger)
	if err != nil {
		return err
	}

	var exporter *monitoring.Exporter
	if cfg.Metrics.Enabled || cfg.API.Enabled {
		exporter = monitoring.NewExporter(farm, client, logger)
	}

	wireSession(farm, client, exporter, logger)

	if err := farm.Start(ctx); err != nil {
		return err
	}
	defer farm.Stop()

	session := &sessionHolder{client: client}
	client.Start(ctx)
	// Stops whichever session is current, surviving hot-reload swaps.
	defer func() { session.get().Stop() }()

	if cfg.Metrics.Enabled {
		go func() {
			if err := exporter.Run(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	if cfg.API.Enabled {
		var metricsHandler = exporter.Handler()
		server := api.NewServer(farm, client, metricsHandler, Version, logger)
		go func() {
			if err := server.Run(ctx, cfg.API.ListenAddr); err != nil {
				logger.Error("api server failed", zap.Error(err))
			}
		}()
	}

	// Hot-reload pool settings; everything else needs a restart.
	if _, err := os.Stat(cfgFile); err == nil {
		go watchPoolConfig(ctx, cfg, session, farm, exporter, logger)
	}

	go reportLoop(ctx, farm, logger)

	logger.Info("mining started",
		zap.String("pool", cfg.Pool.URLs[0]),
		zap.String("user", cfg.Pool.User),
		zap.Int("devices", farm.ActiveWorkerCount()))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// buildFarm enumerates devices and attaches a worker per enabled device.
func buildFarm(cfg *config.Config, logger *zap.Logger) (*mining.Farm, error) {
	farm := mining.NewFarm(logger)
	index := uint32(0)

	for _, desc := range mining.EnumerateDevices(logger) {
		var backend mining.Backend
		switch desc.Kind {
		case mining.KindCPU:
			if !cfg.Mining.EnableCPU {
				continue
			}
			desc.Index = index
			backend = mining.NewCPUBackend(desc, cfg.Mining.CPUThreads, logger)

		case mining.KindFamilyA, mining.KindFamilyB:
			if !cfg.Mining.EnableGPU {
				continue
			}
			if !gpuSelected(cfg, desc) {
				continue
			}
			if kernelRunnerFor == nil {
				logger.Warn("gpu support not compiled in, skipping device",
					zap.String("name", desc.Name))
				continue
			}
			runner, err := kernelRunnerFor(desc)
			if err != nil {
				logger.Warn("gpu runner unavailable, skipping device",
					zap.String("name", desc.Name), zap.Error(err))
				continue
			}
			desc.Index = index
			kb, err := mining.NewKernelBackend(desc, runner, logger)
			if err != nil {
				return nil, err
			}
			backend = kb
		}
		if backend == nil {
			continue
		}

		if err := farm.AddWorker(mining.NewWorker(backend, index, logger)); err != nil {
			return nil, err
		}
		index++
	}
	return farm, nil
}

func gpuSelected(cfg *config.Config, desc mining.DeviceDescriptor) bool {
	if len(cfg.Mining.GPUDevices) == 0 {
		return true
	}
	for _, idx := range cfg.Mining.GPUDevices {
		if uint32(idx) == desc.DeviceIndex {
			return true
		}
	}
	return false
}

// wireSession connects the farm, pool client and exporter.
func wireSession(farm *mining.Farm, client *stratum.Client, exporter *monitoring.Exporter, logger *zap.Logger) {
	client.SetWorkSink(farm.SetWork)
	client.SetShareSink(func(res mining.ShareResult, reason string) {
		farm.RecordShareResult(res)
		if exporter != nil {
			exporter.ObserveShare(res)
		}
	})
	client.SetConnectionSink(func(connected bool) {
		if connected {
			farm.Resume()
			return
		}
		// The dropped session's job is gone. Keep hashing on the
		// saved one if it is fresh enough; otherwise idle until the
		// pool is back.
		farm.InvalidateCurrentWork()
		if !farm.ActivateFallbackWork() {
			farm.Pause()
		}
	})
	farm.SetSolutionSink(func(sol mining.Solution, jobID string) {
		if err := client.SubmitSolution(sol, jobID); err != nil {
			logger.Warn("share submission failed", zap.Error(err))
		}
	})
}

// sessionHolder hands the active pool session between the shutdown path
// and the config watcher.
type sessionHolder struct {
	mu     sync.Mutex
	client *stratum.Client
}

func (h *sessionHolder) get() *stratum.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

func (h *sessionHolder) set(c *stratum.Client) {
	h.mu.Lock()
	h.client = c
	h.mu.Unlock()
}

// watchPoolConfig swaps the stratum session when the pool section of the
// config file changes.
func watchPoolConfig(ctx context.Context, cfg *config.Config, session *sessionHolder, farm *mining.Farm, exporter *monitoring.Exporter, logger *zap.Logger) {
	current := cfg.Pool
	config.Watch(ctx, cfgFile, logger, func(updated *config.Config) {
		if reflect.DeepEqual(updated.Pool, current) {
			logger.Info("config change does not affect the pool session, restart to apply")
			return
		}
		stratumCfg, err := updated.StratumConfig()
		if err != nil {
			logger.Warn("updated pool config rejected", zap.Error(err))
			return
		}
		next, err := stratum.NewClient(stratumCfg, logger)
		if err != nil {
			logger.Warn("updated pool config rejected", zap.Error(err))
			return
		}

		logger.Info("pool config changed, reconnecting")
		session.get().Stop()
		wireSession(farm, next, exporter, logger)
		next.Start(ctx)
		session.set(next)
		current = updated.Pool
	})
}

// reportLoop logs a periodic hashrate summary.
func reportLoop(ctx context.Context, farm *mining.Farm, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := farm.StatsSnapshot()
			logger.Info("hashrate",
				zap.String("rate", humanize.SIWithDigits(farm.HashRate(), 2, "H/s")),
				zap.Uint64("accepted", stats.AcceptedShares),
				zap.Uint64("rejected", stats.RejectedShares),
				zap.Uint64("stale", stats.StaleShares))
		}
	}
}
