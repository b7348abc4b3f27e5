package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"branchdb/pkg/compression"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/perf"
	"branchdb/pkg/store"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func benchArgs(args []string) (ops, workers int, err error) {
	ops, workers = 10000, 8
	if len(args) > 0 {
		if ops, err = strconv.Atoi(args[0]); err != nil || ops <= 0 {
			return 0, 0, fmt.Errorf("bad op count %q: %w", args[0], dberrors.ErrInvalidArgument)
		}
	}
	if len(args) > 1 {
		if workers, err = strconv.Atoi(args[1]); err != nil || workers <= 0 {
			return 0, 0, fmt.Errorf("bad worker count %q: %w", args[1], dberrors.ErrInvalidArgument)
		}
	}
	return ops, workers, nil
}

func runBench(ctx context.Context, s *store.Store, ops, workers int) error {
	fmt.Printf("=== branchdb benchmark: %d ops, %d workers ===\n", ops, workers)

	fmt.Println("\nWrites")
	printResult(measure(ops, workers, func(worker, i int) error {
		return s.PutString(ctx, benchKey(worker, i), fmt.Sprintf("bench_value_%d_%d_%d", worker, i, time.Now().UnixNano()))
	}))

	if err := s.Flush(ctx); err != nil {
		return err
	}

	fmt.Println("\nReads")
	printResult(measure(ops, workers, func(worker, i int) error {
		_, ok, err := s.GetString(ctx, benchKey(worker, i))
		if err == nil && !ok {
			err = dberrors.ErrNotFound
		}
		return err
	}))

	return ctx.Err()
}

func benchKey(worker, i int) string {
	return fmt.Sprintf("bench_key_%d_%08d", worker, i)
}

// measure splits totalOps over concurrency goroutines and times every op.
func measure(totalOps, concurrency int, op func(worker, i int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful, failed := 0, 0
	latencies := make([]time.Duration, 0, totalOps)

	perWorker := totalOps / concurrency
	remainder := totalOps % concurrency

	for w := range concurrency {
		n := perWorker
		if w < remainder {
			n++
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, n)
			ok := 0
			for i := range n {
				opStart := time.Now()
				err := op(w, i)
				local = append(local, time.Since(opStart))
				if err == nil {
					ok++
				}
			}

			mu.Lock()
			successful += ok
			failed += n - ok
			latencies = append(latencies, local...)
			mu.Unlock()
		}()
	}

	wg.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}

	var sum time.Duration
	res.MinLatency, res.MaxLatency = latencies[0], latencies[0]
	for _, lat := range latencies {
		res.MinLatency = min(res.MinLatency, lat)
		res.MaxLatency = max(res.MaxLatency, lat)
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}

func printPerf(c perf.Counters) {
	stages := []perf.Stage{
		perf.WALWrite, perf.MemtableWrite, perf.MemtableGet, perf.FilterIndexLookup,
		perf.CacheLookup, perf.IOSubmit, perf.IOPoll, perf.IORead,
	}
	fmt.Println("\nPer-stage time")
	for _, st := range stages {
		fmt.Printf("  %-20s %v\n", st, time.Duration(c.Get(st)))
	}
}

type codecResult struct {
	codec          compression.Codec
	compressedSize int64
	compressTime   time.Duration
	decompressTime time.Duration
	rawPages       int
}

// compareCodecs cuts the file into pageSize pages and encodes each one with
// every page codec, the same way a branch builder stores them.
func compareCodecs(path string, pageSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var pages [][]byte
	var originalSize int64
	for {
		page := make([]byte, pageSize)
		n, err := io.ReadFull(f, page)
		if n > 0 {
			pages = append(pages, page[:n])
			originalSize += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
	if originalSize == 0 {
		return fmt.Errorf("%s is empty: %w", path, dberrors.ErrInvalidArgument)
	}

	var results []codecResult
	for _, c := range []compression.Codec{compression.None, compression.LZ4, compression.Zstd} {
		res := codecResult{codec: c}
		encoded := make([][]byte, len(pages))
		used := make([]compression.Codec, len(pages))

		start := time.Now()
		for i, page := range pages {
			if encoded[i], used[i], err = compression.Compress(c, nil, page); err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
			res.compressedSize += int64(len(encoded[i]))
			if used[i] == compression.None {
				res.rawPages++
			}
		}
		res.compressTime = time.Since(start)

		start = time.Now()
		for i, page := range pages {
			out, err := compression.Decompress(used[i], nil, encoded[i], len(page))
			if err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
			if !bytes.Equal(out, page) {
				return fmt.Errorf("%s: page %d does not round-trip", c, i)
			}
		}
		res.decompressTime = time.Since(start)
		results = append(results, res)
	}

	fmt.Printf("%s (%d bytes, %d pages of %d)\n", path, originalSize, len(pages), pageSize)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%-8s %12s %10s %12s %12s %10s\n", "Codec", "Compressed", "Ratio %", "Compress", "Decompress", "Raw pages")
	for _, r := range results {
		fmt.Printf("%-8s %12d %9.2f%% %12v %12v %10d\n",
			r.codec, r.compressedSize, float64(r.compressedSize)/float64(originalSize)*100,
			r.compressTime, r.decompressTime, r.rawPages)
	}
	return nil
}
