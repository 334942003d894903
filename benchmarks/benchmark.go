// Command benchmark measures transaction latency and throughput of a
// recstore engine and writes a JSON report.
//
// Environment variables:
//   - BENCHMARK_OUTPUT: directory for reports (default ./benchmark-results)
//   - BENCHMARK_ITERATIONS: transactions per workload (default 1000)
//   - BENCHMARK_CONCURRENCY: parallel transactions in concurrent runs (default 8)
//   - DATA_DIR: data directory (default ./benchmark-data)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/NebulousLabs/fastrand"
	"golang.org/x/sync/errgroup"

	"recstore/pkg/config"
	"recstore/pkg/engine"
	"recstore/pkg/logging"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
)

type BenchmarkResult struct {
	Workload       string        `json:"workload"`
	Iterations     int           `json:"iterations"`
	Concurrency    int           `json:"concurrency"`
	TotalDuration  time.Duration `json:"total_duration_ns"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	MinDuration    time.Duration `json:"min_duration_ns"`
	MaxDuration    time.Duration `json:"max_duration_ns"`
	MedianDuration time.Duration `json:"median_duration_ns"`
	P95Duration    time.Duration `json:"p95_duration_ns"`
	P99Duration    time.Duration `json:"p99_duration_ns"`
	TxnsPerSecond  float64       `json:"txns_per_second"`
	SuccessCount   int           `json:"success_count"`
	ErrorCount     int           `json:"error_count"`
	ErrorSamples   []string      `json:"error_samples"`
}

type BenchmarkReport struct {
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	TotalDuration time.Duration     `json:"total_duration"`
	DataDir       string            `json:"data_dir"`
	PageSize      int               `json:"page_size"`
	Results       []BenchmarkResult `json:"results"`
	Stats         string            `json:"engine_stats"`
}

// workload runs one transaction. worker is the index of the goroutine
// running it.
type workload func(e *engine.Engine, worker int) error

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil && v > 0 {
		return v
	}
	return def
}

func envDir(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return filepath.Clean(v)
	}
	return def
}

func main() {
	outputDir := envDir("BENCHMARK_OUTPUT", "./benchmark-results")
	dataDir := envDir("DATA_DIR", "./benchmark-data")
	iterations := envInt("BENCHMARK_ITERATIONS", 1000)
	concurrency := envInt("BENCHMARK_CONCURRENCY", 8)

	for _, dir := range []string{outputDir, dataDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
	}

	cfg := config.InDir(dataDir)
	cfg.Logging.Level = "warn"
	if err := logging.Init(cfg.LoggerConfig()); err != nil {
		log.Fatalf("init logging: %v", err)
	}
	e, err := engine.Open(cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}

	counters, err := setup(e, concurrency)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	report := BenchmarkReport{StartTime: time.Now(), DataDir: dataDir, PageSize: cfg.PageSize}

	benchmarks := []struct {
		name       string
		run        workload
		concurrent bool
	}{
		{"alloc+set+commit", allocSet, false},
		{"increment+commit", increment(counters), true},
		{"read-only", read(counters), true},
		{"alloc+abort", allocAbort, false},
	}

	for _, b := range benchmarks {
		log.Printf("→ %s (%d iterations)", b.name, iterations)
		res := runBenchmark(e, b.name, b.run, iterations, 1)
		report.Results = append(report.Results, res)
		printBenchmarkResult(res)

		if b.concurrent {
			log.Printf("→ %s, %d parallel", b.name, concurrency)
			res := runBenchmark(e, b.name+" (concurrent)", b.run, iterations, concurrency)
			report.Results = append(report.Results, res)
			printBenchmarkResult(res)
		}
	}

	report.Stats = e.Stats().String()
	if err := e.Close(); err != nil {
		log.Printf("close engine: %v", err)
	}
	report.EndTime = time.Now()
	report.TotalDuration = report.EndTime.Sub(report.StartTime)

	path := filepath.Join(outputDir, fmt.Sprintf("benchmark_report_%s.json", time.Now().Format("20060102_150405")))
	if err := saveJSONReport(report, path); err != nil {
		log.Fatalf("save report: %v", err)
	}
	log.Printf("✓ %d results in %s, report at %s", len(report.Results), formatDuration(report.TotalDuration), path)
}

// setup allocates one counter per worker.
func setup(e *engine.Engine, n int) ([]primitives.RecordID, error) {
	tid, err := e.Begin()
	if err != nil {
		return nil, err
	}
	counters := make([]primitives.RecordID, n)
	for i := range counters {
		if counters[i], err = e.Alloc(tid, operation.CounterSize); err != nil {
			return nil, err
		}
	}
	return counters, e.Commit(tid)
}

func allocSet(e *engine.Engine, _ int) error {
	tid, err := e.Begin()
	if err != nil {
		return err
	}
	rid, err := e.Alloc(tid, 64)
	if err != nil {
		_ = e.Abort(tid)
		return err
	}
	if err := e.Set(tid, rid, fastrand.Bytes(64)); err != nil {
		_ = e.Abort(tid)
		return err
	}
	return e.Commit(tid)
}

func allocAbort(e *engine.Engine, _ int) error {
	tid, err := e.Begin()
	if err != nil {
		return err
	}
	if _, err := e.Alloc(tid, 64); err != nil {
		_ = e.Abort(tid)
		return err
	}
	return e.Abort(tid)
}

func increment(counters []primitives.RecordID) workload {
	return func(e *engine.Engine, worker int) error {
		tid, err := e.Begin()
		if err != nil {
			return err
		}
		if err := e.Increment(tid, counters[worker%len(counters)], 1); err != nil {
			_ = e.Abort(tid)
			return err
		}
		return e.Commit(tid)
	}
}

func read(counters []primitives.RecordID) workload {
	return func(e *engine.Engine, worker int) error {
		tid, err := e.Begin()
		if err != nil {
			return err
		}
		if _, err := e.Read(tid, counters[worker%len(counters)]); err != nil {
			_ = e.Abort(tid)
			return err
		}
		return e.Commit(tid)
	}
}

// runBenchmark runs iterations transactions with at most concurrency in
// flight and summarises their latencies.
func runBenchmark(e *engine.Engine, name string, run workload, iterations, concurrency int) BenchmarkResult {
	durations := make([]time.Duration, 0, iterations)
	var mu sync.Mutex
	res := BenchmarkResult{Workload: name, Iterations: iterations, Concurrency: concurrency}

	var g errgroup.Group
	g.SetLimit(concurrency)
	start := time.Now()
	for i := range iterations {
		g.Go(func() error {
			t0 := time.Now()
			err := run(e, i%concurrency)
			d := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			durations = append(durations, d)
			if err != nil {
				res.ErrorCount++
				if len(res.ErrorSamples) < 5 {
					res.ErrorSamples = append(res.ErrorSamples, err.Error())
				}
			} else {
				res.SuccessCount++
			}
			return nil
		})
	}
	_ = g.Wait()
	res.TotalDuration = time.Since(start)

	slices.Sort(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	n := len(durations)
	res.AvgDuration = sum / time.Duration(n)
	res.MinDuration = durations[0]
	res.MaxDuration = durations[n-1]
	res.MedianDuration = durations[n/2]
	res.P95Duration = durations[min(n*95/100, n-1)]
	res.P99Duration = durations[min(n*99/100, n-1)]
	res.TxnsPerSecond = float64(iterations) / res.TotalDuration.Seconds()
	return res
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

func printBenchmarkResult(r BenchmarkResult) {
	log.Printf("  ┌─ %s", r.Workload)
	log.Printf("  │  total        %s", formatDuration(r.TotalDuration))
	log.Printf("  │  avg          %s", formatDuration(r.AvgDuration))
	log.Printf("  │  min / max    %s / %s", formatDuration(r.MinDuration), formatDuration(r.MaxDuration))
	log.Printf("  │  p50/p95/p99  %s / %s / %s", formatDuration(r.MedianDuration), formatDuration(r.P95Duration), formatDuration(r.P99Duration))
	log.Printf("  │  throughput   %.0f txn/s", r.TxnsPerSecond)
	log.Printf("  │  ok / failed  %d / %d", r.SuccessCount, r.ErrorCount)
	for _, s := range r.ErrorSamples {
		log.Printf("  │  error: %s", s)
	}
	log.Printf("  └─")
}

func saveJSONReport(report BenchmarkReport, path string) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
