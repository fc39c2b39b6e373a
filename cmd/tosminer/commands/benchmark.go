package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/mining"
	"github.com/tosproject/tosminer/internal/work"
)

var (
	benchDuration time.Duration
	benchThreads  int
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure local CPU hashrate",
	RunE:  runBenchmark,
}

func init() {
	benchmarkCmd.Flags().DurationVarP(&benchDuration, "duration", "d", 30*time.Second, "benchmark duration")
	benchmarkCmd.Flags().IntVarP(&benchThreads, "cpu-threads", "t", 0, "cpu threads (0 = auto)")
	rootCmd.AddCommand(benchmarkCmd)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	if verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}

	desc := mining.DeviceDescriptor{Kind: mining.KindCPU, Name: "benchmark"}
	backend := mining.NewCPUBackend(desc, benchThreads, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := backend.Init(ctx); err != nil {
		return err
	}
	defer backend.Free()

	// Synthetic job with an unreachable target so no time is lost on
	// candidate handling.
	pkg := &work.Package{
		JobID:           "bench",
		Extranonce2Size: work.MinExtranonce2Size,
		TotalDevices:    1,
		ReceivedAt:      time.Now(),
		Valid:           true,
	}
	pkg.Target[31] = 1
	for i := 0; i < 32; i++ {
		pkg.Header[i] = byte(i*7 + 1)
	}
	if err := backend.SetWork(pkg); err != nil {
		return err
	}

	fmt.Printf("benchmarking for %s...\n", benchDuration)

	var (
		hashed uint64
		nonce  uint64
		slot   int
		depth  = backend.PipelineDepth()
	)
	start := time.Now()
	deadline := start.Add(benchDuration)

	// Prime the pipeline.
	for slot = 0; slot < depth; slot++ {
		if err := backend.StartBatch(slot, nonce); err != nil {
			return err
		}
		nonce += backend.BatchSize()
	}

	slot = 0
	for time.Now().Before(deadline) {
		if err := backend.WaitBatch(ctx, slot); err != nil {
			return err
		}
		result, err := backend.ReadResults(slot)
		if err != nil {
			return err
		}
		hashed += result.Hashed

		if err := backend.StartBatch(slot, nonce); err != nil {
			return err
		}
		nonce += backend.BatchSize()
		slot = (slot + 1) % depth
	}

	elapsed := time.Since(start)
	rate := float64(hashed) / elapsed.Seconds()
	fmt.Printf("hashed %s in %s: %s\n",
		humanize.Comma(int64(hashed)),
		elapsed.Round(time.Millisecond),
		humanize.SIWithDigits(rate, 2, "H/s"))
	return nil
}
