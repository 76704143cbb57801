// mintwatch watches Solana DEXes for newly created liquidity pools,
// enriches and risk-scores each token, and pushes alerts to Telegram,
// Redis, and WebSocket subscribers.
//
// Usage:
//
//	mintwatch start  [-config file]   run the daemon in the foreground
//	mintwatch stop   [-config file]   signal a running daemon via its pidfile
//	mintwatch health [-config file]   query /health on the local daemon
//
// Exit codes: 0 clean stop, 1 configuration error, 2 startup error,
// 3 unrecoverable dependency failure.
package main

import (
	"fmt"
	"os"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitStartup    = 2
	exitDependency = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "start"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "start":
		return runStart(args)
	case "stop":
		return runStop(args)
	case "health":
		return runHealth(args)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(os.Stderr)
		return exitConfig
	}
}

func usage(w *os.File) {
	fmt.Fprint(w, `mintwatch - Solana liquidity pool monitor

Commands:
  start    run the daemon in the foreground (default)
  stop     signal a running daemon via its pidfile
  health   query /health on the local daemon and print the result

Flags (every command):
  -config file   optional YAML config; environment overrides it
`)
}
