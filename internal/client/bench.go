package client

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// BenchTests lists the workloads Bench understands.
var BenchTests = []string{"set", "get", "mixed", "incr", "ping"}

// BenchConfig describes a benchmark run.
type BenchConfig struct {
	Addr     string
	Clients  int
	Requests int
	Test     string
	Timeout  time.Duration
}

// BenchResult summarises a benchmark run.
type BenchResult struct {
	Completed int64
	Errors    int64
	Elapsed   time.Duration
}

// RequestsPerSecond returns the completed request rate.
func (r BenchResult) RequestsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Completed) / r.Elapsed.Seconds()
}

// AvgLatency approximates per-request latency as seen by one client.
func (r BenchResult) AvgLatency(clients int) time.Duration {
	if r.Completed == 0 {
		return 0
	}
	return time.Duration(int64(r.Elapsed) * int64(clients) / r.Completed)
}

// Bench runs cfg.Requests commands spread over cfg.Clients connections.
// Error replies count as errors. It stops early when ctx is cancelled.
func Bench(ctx context.Context, cfg BenchConfig) (BenchResult, error) {
	if cfg.Clients <= 0 || cfg.Requests <= 0 {
		return BenchResult{}, fmt.Errorf("bench: clients and requests must be positive")
	}
	if !validTest(cfg.Test) {
		return BenchResult{}, fmt.Errorf("bench: unknown test %q", cfg.Test)
	}

	var completed, errs atomic.Int64
	perClient := cfg.Requests / cfg.Clients
	extra := cfg.Requests % cfg.Clients

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Clients; i++ {
		n := perClient
		if i < extra {
			n++
		}
		wg.Add(1)
		go func(clientID, n int) {
			defer wg.Done()

			c, err := Dial(cfg.Addr, cfg.Timeout)
			if err != nil {
				errs.Add(int64(n))
				return
			}
			defer c.Close()

			for j := 0; j < n; j++ {
				if ctx.Err() != nil {
					return
				}
				v, err := c.Do(benchCommand(cfg.Test, clientID, j)...)
				if err != nil {
					errs.Add(int64(n - j))
					return
				}
				if v.IsError() {
					errs.Add(1)
					continue
				}
				completed.Add(1)
			}
		}(i, n)
	}
	wg.Wait()

	return BenchResult{
		Completed: completed.Load(),
		Errors:    errs.Load(),
		Elapsed:   time.Since(start),
	}, nil
}

func validTest(name string) bool {
	for _, t := range BenchTests {
		if t == name {
			return true
		}
	}
	return false
}

func benchCommand(test string, clientID, j int) []string {
	key := "key:" + strconv.Itoa(clientID) + ":" + strconv.Itoa(j)
	switch test {
	case "set":
		return []string{"SET", key, "value:" + strconv.Itoa(j)}
	case "get":
		return []string{"GET", key}
	case "mixed":
		if j%2 == 0 {
			return []string{"SET", key, "value:" + strconv.Itoa(j)}
		}
		return []string{"GET", "key:" + strconv.Itoa(clientID) + ":" + strconv.Itoa(j-1)}
	case "incr":
		return []string{"INCR", "counter:" + strconv.Itoa(clientID)}
	default:
		return []string{"PING"}
	}
}
