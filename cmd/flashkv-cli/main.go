// flashkv-cli - command-line client and benchmark for FlashKV
//
// Usage:
//
//	flashkv-cli [--addr host:port] COMMAND [ARG...]
//	flashkv-cli bench [--clients n] [--requests n] [--test name]
//
// Flags:
//
//	--addr string       Server address (default "127.0.0.1:6380")
//	--timeout duration  Dial and I/O timeout (default 5s)
//
// Bench flags:
//
//	--clients int       Number of parallel clients (default 50)
//	--requests int      Total number of requests (default 100000)
//	--test string       Test type: set,get,mixed,incr,ping (default "mixed")
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/flashkv/flashkv/internal/client"
	"github.com/flashkv/flashkv/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "flashkv-cli",
		Usage:     "send a command to a FlashKV server",
		UsageText: "flashkv-cli [global options] COMMAND [ARG...]",
		Version:   version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   "127.0.0.1:6380",
				Usage:   "server address",
				EnvVars: []string{"FLASHKV_ADDR"},
			},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "dial and I/O timeout"},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:  "bench",
				Usage: "run a load test against the server",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "clients", Value: 50, Usage: "number of parallel clients"},
					&cli.IntFlag{Name: "requests", Value: 100000, Usage: "total number of requests"},
					&cli.StringFlag{
						Name:  "test",
						Value: "mixed",
						Usage: "test type: " + strings.Join(client.BenchTests, ","),
					},
				},
				Action: runBench,
			},
		},
	}
}

func runCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.ShowAppHelp(c)
	}

	conn, err := client.Dial(c.String("addr"), c.Duration("timeout"))
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.Do(c.Args().Slice()...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, client.Format(reply))
	return nil
}

func runBench(c *cli.Context) error {
	cfg := client.BenchConfig{
		Addr:     c.String("addr"),
		Clients:  c.Int("clients"),
		Requests: c.Int("requests"),
		Test:     c.String("test"),
		Timeout:  c.Duration("timeout"),
	}

	w := c.App.Writer
	fmt.Fprintln(w, "====== FlashKV Benchmark ======")
	fmt.Fprintf(w, "Server: %s\n", cfg.Addr)
	fmt.Fprintf(w, "Clients: %d\n", cfg.Clients)
	fmt.Fprintf(w, "Requests: %d\n", cfg.Requests)
	fmt.Fprintf(w, "Test: %s\n", cfg.Test)
	fmt.Fprintln(w)

	res, err := client.Bench(c.Context, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "====== Results ======")
	fmt.Fprintf(w, "Total time: %v\n", res.Elapsed)
	fmt.Fprintf(w, "Completed: %d\n", res.Completed)
	fmt.Fprintf(w, "Errors: %d\n", res.Errors)
	fmt.Fprintf(w, "Requests/sec: %.2f\n", res.RequestsPerSecond())
	fmt.Fprintf(w, "Avg latency: %v\n", res.AvgLatency(cfg.Clients))
	return nil
}
