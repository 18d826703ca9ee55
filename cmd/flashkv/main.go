// flashkv - an in-memory key-value server speaking the Redis protocol
//
// Usage:
//
//	flashkv [flags]
//
// Flags:
//
//	--config, -c string   YAML configuration file
//	--addr string         TCP listen address (default from config: 127.0.0.1:6380)
//	--admin-addr string   Admin HTTP API address
//	--no-admin            Disable the admin HTTP API
//	--log-level string    Log level: debug, info, warn, error
//	--log-format string   Log format: text, json
//	--max-clients int     Maximum number of clients (0 = unlimited)
//	--rate-limit float    Max commands/sec per client (0 = unlimited)
//
// Environment variables prefixed with FLASHKV_ override the file; flags
// override both. SIGHUP, or saving the configuration file, reloads the log
// level.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
