// capbench exercises the commitment engine without a coordinator: it times
// allocation plans against the in-process provider and serves synthetic
// challenges to measure response latency.
package main

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/capnetwork/capnode/capacity"
	"github.com/capnetwork/capnode/chunkgen"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "capbench",
		Short: "Offline benchmarks for the capacity commitment engine",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		totalMiB   uint64
		maxUnitMiB uint64
		debug      string
	)

	var allocCmd = &cobra.Command{
		Use:   "alloc",
		Short: "Plan a commitment and time the allocation path",
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger("info")
			if debug != "" {
				log.EnableModules(debug)
			}
			spec := types.CommitmentSpec{
				TotalCapacityBytes:   totalMiB << 20,
				MaxUnitCapacityBytes: maxUnitMiB << 20,
			}
			if err := spec.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "spec: %v\n", err)
				os.Exit(1)
			}

			registry := capacity.NewShardRegistry()
			planner := capacity.NewCapacityPlanner(
				capacity.NewHeapUnitProvider(),
				capacity.DefaultShardAllocator(),
				registry,
			)

			start := time.Now()
			res, err := planner.Plan(context.Background(), spec)
			if err != nil {
				fmt.Fprintf(os.Stderr, "plan: %v\n", err)
				os.Exit(1)
			}
			elapsed := time.Since(start)
			defer registry.ReleaseAll()

			rate := float64(res.TotalAllocated) / (1 << 20) / elapsed.Seconds()
			fmt.Printf("planned %s in %s\n", common.HumanBytes(res.TotalAllocated), elapsed.Round(time.Millisecond))
			fmt.Printf("  shards:    %d\n", len(res.Shards))
			fmt.Printf("  chunks:    %d\n", registry.ChunkCount())
			fmt.Printf("  shortfall: %s\n", common.HumanBytes(res.Shortfall))
			fmt.Printf("  rate:      %.1f MiB/s\n", rate)
			if res.Cause != nil {
				fmt.Printf("  stopped:   %v\n", res.Cause)
			}
		},
	}
	allocCmd.Flags().Uint64Var(&totalMiB, "total", 1024, "Total capacity to commit, in MiB")
	allocCmd.Flags().Uint64Var(&maxUnitMiB, "maxunit", 256, "Per-unit ceiling, in MiB")
	allocCmd.Flags().StringVar(&debug, "debug", "", "Debug modules to enable")

	var (
		challenges int
		offsets    int
		chunkSize  uint32
	)

	var challengeCmd = &cobra.Command{
		Use:   "challenge",
		Short: "Commit capacity, then serve synthetic challenges and report latency",
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger("warn")
			if debug != "" {
				log.EnableModules(debug)
			}
			spec := types.CommitmentSpec{
				TotalCapacityBytes:   totalMiB << 20,
				MaxUnitCapacityBytes: maxUnitMiB << 20,
			}
			if err := spec.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "spec: %v\n", err)
				os.Exit(1)
			}

			engine := capacity.NewEngine(capacity.NewHeapUnitProvider(), time.Hour)
			defer engine.Shutdown()

			report, err := engine.Commit(context.Background(), spec)
			if err != nil {
				fmt.Fprintf(os.Stderr, "commit: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("committed %s across %d shards\n",
				common.HumanBytes(report.TotalAllocatedBytes), report.ShardCount)

			if challenges <= 0 {
				fmt.Fprintln(os.Stderr, "challenges must be positive")
				os.Exit(1)
			}
			total := engine.TotalAllocatedBytes()
			if total <= uint64(chunkSize) {
				fmt.Fprintln(os.Stderr, "committed capacity smaller than the chunk size")
				os.Exit(1)
			}

			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			latencies := make([]time.Duration, 0, challenges)
			verified := 0
			for i := 0; i < challenges; i++ {
				seed := make([]byte, 32)
				if _, err := crand.Read(seed); err != nil {
					fmt.Fprintf(os.Stderr, "seed: %v\n", err)
					os.Exit(1)
				}
				challenge := types.Challenge{
					ChallengeID: fmt.Sprintf("bench-%d", i),
					EpochSeed:   seed,
					ChunkSize:   chunkSize,
					Offsets:     make([]uint64, offsets),
				}
				for j := range challenge.Offsets {
					challenge.Offsets[j] = rnd.Uint64() % (total - uint64(chunkSize))
				}

				start := time.Now()
				resp := engine.HandleChallenge(context.Background(), challenge)
				latencies = append(latencies, time.Since(start))

				if resp.Success && verifyResponse(seed, challenge.Offsets, resp.Chunks) {
					verified++
				}
			}

			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			fmt.Printf("served %d challenges (%d offsets x %s chunks)\n",
				challenges, offsets, common.HumanBytes(uint64(chunkSize)))
			fmt.Printf("  verified: %d/%d\n", verified, challenges)
			fmt.Printf("  p50:      %s\n", latencies[len(latencies)/2].Round(time.Microsecond))
			fmt.Printf("  p95:      %s\n", latencies[len(latencies)*95/100].Round(time.Microsecond))
			fmt.Printf("  max:      %s\n", latencies[len(latencies)-1].Round(time.Microsecond))
		},
	}
	challengeCmd.Flags().Uint64Var(&totalMiB, "total", 256, "Total capacity to commit, in MiB")
	challengeCmd.Flags().Uint64Var(&maxUnitMiB, "maxunit", 256, "Per-unit ceiling, in MiB")
	challengeCmd.Flags().IntVar(&challenges, "challenges", 100, "Number of synthetic challenges to serve")
	challengeCmd.Flags().IntVar(&offsets, "offsets", 8, "Offsets per challenge")
	challengeCmd.Flags().Uint32Var(&chunkSize, "chunksize", 4096, "Response chunk size in bytes")
	challengeCmd.Flags().StringVar(&debug, "debug", "", "Debug modules to enable")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("capbench %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(allocCmd, challengeCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// verifyResponse re-derives every chunk the way the coordinator would.
func verifyResponse(seed []byte, offsets []uint64, chunks [][]byte) bool {
	if len(chunks) != len(offsets) {
		return false
	}
	for i, offset := range offsets {
		ok, err := chunkgen.VerifyChunk(seed, offset, chunks[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}
