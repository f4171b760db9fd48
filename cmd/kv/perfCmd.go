package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRemoting/cmd/util"
	"github.com/ValentinKolb/dRemoting/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for remoting servers",
		Long:    "Runs sync, async and one-way benchmarks against a remoting server and prints throughput and latency percentiles",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfAsyncWindow      = 64
	perfSkip             = make([]string, 0)

	// latency timers of all benchmarks
	perfRegistry = gometrics.NewRegistry()
)

var perfPercentiles = []float64{0.5, 0.9, 0.99}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. echo-oneway,kv-get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the body for the echo-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "async-window"
	perfTestCmd.Flags().Int(key, 64, util.WrapString("Max in-flight async requests per thread"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfAsyncWindow = max(1, viper.GetInt("async-window"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// perfResult is the outcome of a single benchmark
type perfResult struct {
	bench testing.BenchmarkResult
	timer gometrics.Timer
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for remoting servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make(map[string]perfResult)
	addr := util.GetAddr()
	timeout := util.GetTimeout()

	// echo-sync: one request at a time per thread
	results["echo-sync"] = benchmark("echo-sync", func(timer gometrics.Timer, pb *testing.PB) {
		for pb.Next() {
			invokeTimed(timer, "echo-sync", common.RequestCodeEcho, []byte("test"))
		}
	})

	// echo-large: sync requests with a large body
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	results["echo-large"] = benchmark("echo-large", func(timer gometrics.Timer, pb *testing.PB) {
		for pb.Next() {
			invokeTimed(timer, "echo-large", common.RequestCodeEcho, largeValue)
		}
	})

	// echo-async: up to perfAsyncWindow requests in flight per thread
	results["echo-async"] = benchmark("echo-async", func(timer gometrics.Timer, pb *testing.PB) {
		window := make(chan struct{}, perfAsyncWindow)
		var wg sync.WaitGroup
		for pb.Next() {
			window <- struct{}{}
			wg.Add(1)
			start := time.Now()
			req := common.NewRequestCommand(common.RequestCodeEcho, []byte("test"))
			err := rpcClient.InvokeAsync(addr, req, timeout, func(_ *common.Command, err error) {
				defer wg.Done()
				defer func() { <-window }()
				if err != nil {
					log.Printf("(echo-async) - request failed: %v\n", err)
					return
				}
				timer.UpdateSince(start)
			})
			if err != nil {
				log.Printf("(echo-async) - error sending request: %v\n", err)
				<-window
				wg.Done()
			}
		}
		wg.Wait()
	})

	// echo-oneway: measures the send path only
	results["echo-oneway"] = benchmark("echo-oneway", func(timer gometrics.Timer, pb *testing.PB) {
		for pb.Next() {
			start := time.Now()
			req := common.NewRequestCommand(common.RequestCodeEcho, []byte("test"))
			if err := rpcClient.InvokeOneway(addr, req, timeout); err != nil {
				log.Printf("(echo-oneway) - error sending request: %v\n", err)
				continue
			}
			timer.UpdateSince(start)
		}
	})

	// kv-put: puts on a fixed set of keys
	results["kv-put"] = benchmarkWithKeys("kv-put", func(timer gometrics.Timer, pb *testing.PB, getKey func(int) string) {
		counter := 0
		for pb.Next() {
			invokeTimed(timer, "kv-put", common.RequestCodePutKVConfig, kvBody(getKey(counter), "test"))
			counter++
		}
	}, false)

	// kv-get: gets of existing keys
	results["kv-get"] = benchmarkWithKeys("kv-get", func(timer gometrics.Timer, pb *testing.PB, getKey func(int) string) {
		counter := 0
		for pb.Next() {
			invokeTimed(timer, "kv-get", common.RequestCodeGetKVConfig, kvBody(getKey(counter), ""))
			counter++
		}
	}, true)

	// mixed: put, get, delete and echo in turn
	results["mixed"] = benchmarkWithKeys("mixed", func(timer gometrics.Timer, pb *testing.PB, getKey func(int) string) {
		counter := 0
		for pb.Next() {
			key := getKey(counter)
			switch counter % 4 {
			case 0:
				invokeTimed(timer, "mixed", common.RequestCodePutKVConfig, kvBody(key, "test"))
			case 1:
				// the key may be deleted by another thread, KV_NOT_EXIST is expected
				invokeTimed(timer, "mixed", common.RequestCodeGetKVConfig, kvBody(key, ""))
			case 2:
				invokeTimed(timer, "mixed", common.RequestCodeDeleteKVConfig, kvBody(key, ""))
			case 3:
				invokeTimed(timer, "mixed", common.RequestCodeEcho, []byte("test"))
			}
			counter++
		}
	}, true)

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

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// benchmark runs fn on perfNumThreads goroutines per CPU and prints the result
func benchmark(test string, fn func(gometrics.Timer, *testing.PB)) perfResult {
	timer := gometrics.GetOrRegisterTimer(test, perfRegistry)
	if shouldSkip(test) {
		printResult(test, perfResult{timer: timer})
		return perfResult{timer: timer}
	}

	result := perfResult{
		timer: timer,
		bench: testing.Benchmark(func(b *testing.B) {
			b.SetParallelism(perfNumThreads)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				fn(timer, pb)
			})
		}),
	}
	printResult(test, result)
	return result
}

// benchmarkWithKeys prepares (and finally deletes) the keys of the test before running it
func benchmarkWithKeys(test string, fn func(gometrics.Timer, *testing.PB, func(int) string), prefill bool) perfResult {
	getKey, iter := getKeys(test)
	if !shouldSkip(test) {
		if prefill {
			iter(func(k string) {
				invokeTimed(nil, test, common.RequestCodePutKVConfig, kvBody(k, "test"))
			})
		}
		defer iter(func(k string) {
			invokeTimed(nil, test, common.RequestCodeDeleteKVConfig, kvBody(k, ""))
		})
	}

	return benchmark(test, func(timer gometrics.Timer, pb *testing.PB) {
		fn(timer, pb, getKey)
	})
}

// invokeTimed sends a sync request and records its latency if it succeeded
func invokeTimed(timer gometrics.Timer, test string, code int32, body []byte) {
	start := time.Now()
	resp, err := rpcClient.InvokeSync(util.GetAddr(), common.NewRequestCommand(code, body), util.GetTimeout())
	if err != nil {
		log.Printf("(%s) - request failed: %v\n", test, err)
		return
	}
	if resp.Code != common.ResponseCodeSuccess && resp.Code != common.ResponseCodeKVNotExist {
		log.Printf("(%s) - unexpected response: %s\n", test, resp)
		return
	}
	if timer != nil {
		timer.UpdateSince(start)
	}
}

func kvBody(key, value string) []byte {
	return common.KVConfigHeader{Namespace: namespace(), Key: key, Value: value}.Encode()
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result perfResult) {
	if result.bench.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.bench.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	ps := result.timer.Percentiles(perfPercentiles)
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p90=%s p99=%s\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec,
		time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"P50", "P90", "P99", "Requests",
		"Address", "NameServers", "TimeoutSec", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.bench.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.bench.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}
		ps := result.timer.Percentiles(perfPercentiles)

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			time.Duration(ps[0]).String(),
			time.Duration(ps[1]).String(),
			time.Duration(ps[2]).String(),
			strconv.FormatInt(result.timer.Count(), 10),
			util.GetAddr(),
			strings.Join(config.NameServerAddresses, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
