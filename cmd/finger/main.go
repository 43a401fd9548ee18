// finger is the local multi-agent orchestration daemon: a supervisor-managed
// server that decomposes user tasks into task graphs, dispatches them to
// kernel-backed worker agents under a capability budget, and streams progress
// over WebSocket.
package main

import (
	"errors"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var coded *exitError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
}
