package kv

import (
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/tKV/cmd/util"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for tKV servers",
		Long:    "Runs every scenario for a fixed duration with the configured number of workers and prints latency percentiles and throughput.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfDuration         = 5 * time.Second
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Scenarios to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of workers per scenario"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the put-large scenario should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the scenarios"))
	key = "duration"
	perfTestCmd.Flags().Duration(key, 5*time.Second, util.WrapString("How long every scenario runs"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfDuration = viper.GetDuration("duration")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// scenario is one benchmark. prepare runs before the clock starts, op is
// called by every worker until the duration is over.
type scenario struct {
	name    string
	prepare func(keys []string) error
	op      func(key string, i int) error
}

type perfResult struct {
	name      string
	skipped   bool
	ops       int64
	errors    int64
	mean      time.Duration
	p50       time.Duration
	p99       time.Duration
	max       time.Duration
	opsPerSec float64
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for tKV servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d, Duration: %s\n", perfNumThreads, perfDuration)
	fmt.Println()

	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	fill := func(keys []string) error {
		for _, k := range keys {
			if err := rpcStore.Put(k, []byte("test")); err != nil {
				return err
			}
		}
		return nil
	}

	scenarios := []scenario{
		{
			name: "put",
			op: func(key string, _ int) error {
				return rpcStore.Put(key, []byte("test"))
			},
		},
		{
			name: "put-large",
			op: func(key string, _ int) error {
				return rpcStore.Put(key, largeValue)
			},
		},
		{
			name:    "get",
			prepare: fill,
			op: func(key string, _ int) error {
				_, _, err := rpcStore.Get(key)
				return err
			},
		},
		{
			name: "contains-not",
			op: func(key string, _ int) error {
				_, err := rpcStore.ContainsKey(key + "-missing")
				return err
			},
		},
		{
			name:    "remove",
			prepare: fill,
			op: func(key string, _ int) error {
				_, err := rpcStore.Remove(key)
				return err
			},
		},
		{
			name:    "compute",
			prepare: fill,
			op: func(key string, _ int) error {
				_, _, err := rpcStore.Compute(key, func(_ string, current []byte, _ bool) ([]byte, store.ComputeOp, error) {
					next := append([]byte{}, current[:min(len(current), 16)]...)
					return append(next, '+'), store.OpWrite, nil
				})
				return err
			},
		},
		{
			name:    "mixed",
			prepare: fill,
			op: func(key string, i int) error {
				var err error
				switch i % 4 {
				case 0:
					err = rpcStore.Put(key, []byte("test"))
				case 1:
					_, _, err = rpcStore.Get(key)
				case 2:
					_, err = rpcStore.Remove(key)
				case 3:
					_, err = rpcStore.ContainsKey(key)
				}
				return err
			},
		},
	}

	fmt.Println("starting tests...")

	results := make([]perfResult, 0, len(scenarios))
	for _, sc := range scenarios {
		res, err := runScenario(sc)
		if err != nil {
			return fmt.Errorf("scenario %s failed: %v", sc.name, err)
		}
		printResult(res)
		results = append(results, res)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runScenario runs one scenario and collects the latency of every operation
// in a go-metrics timer
func runScenario(sc scenario) (perfResult, error) {
	if slices.Contains(perfSkip, sc.name) {
		return perfResult{name: sc.name, skipped: true}, nil
	}

	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, sc.name, i)
	}
	defer func() {
		if err := rpcStore.RemoveAll(keys); err != nil {
			fmt.Printf("(%s) - error during cleanup: %v\n", sc.name, err)
		}
	}()

	if sc.prepare != nil {
		if err := sc.prepare(keys); err != nil {
			return perfResult{}, err
		}
	}

	timer := gometrics.NewTimer()
	failures := gometrics.NewCounter()
	deadline := time.Now().Add(perfDuration)
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < perfNumThreads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; time.Now().Before(deadline); i += perfNumThreads {
				opStart := time.Now()
				err := sc.op(keys[i%len(keys)], i)
				timer.UpdateSince(opStart)
				if err != nil {
					failures.Inc(1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	snap := timer.Snapshot()
	ps := snap.Percentiles([]float64{0.5, 0.99})
	return perfResult{
		name:      sc.name,
		ops:       snap.Count(),
		errors:    failures.Count(),
		mean:      time.Duration(snap.Mean()),
		p50:       time.Duration(ps[0]),
		p99:       time.Duration(ps[1]),
		max:       time.Duration(snap.Max()),
		opsPerSec: float64(snap.Count()) / elapsed.Seconds(),
	}, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// printResult prints the result of a scenario in a formatted way
func printResult(r perfResult) {
	if r.skipped {
		fmt.Printf("%-16sskipped\n", r.name)
		return
	}
	fmt.Printf("%-16s%10.0f ops/sec   mean %-12s p50 %-12s p99 %-12s max %-12s errors %d\n",
		r.name, r.opsPerSec, r.mean, r.p50, r.p99, r.max, r.errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Ops", "Errors", "OpsPerSec", "MeanNs", "P50Ns", "P99Ns", "MaxNs", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"ShardID", "Serializer", "Transport",
		"Threads", "Duration", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		row := []string{
			r.name,
			strconv.FormatInt(r.ops, 10),
			strconv.FormatInt(r.errors, 10),
			fmt.Sprintf("%.0f", r.opsPerSec),
			strconv.FormatInt(int64(r.mean), 10),
			strconv.FormatInt(int64(r.p50), 10),
			strconv.FormatInt(int64(r.p99), 10),
			strconv.FormatInt(int64(r.max), 10),
			strconv.FormatBool(r.skipped),
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			perfDuration.String(),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return nil
}
