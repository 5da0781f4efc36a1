// Command lineage links spot detections into lineage trees and repairs
// broken tracks, working on a graph stored in SQLite.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Printf("lineage: %v", err)
		stop()
		os.Exit(1)
	}
}
