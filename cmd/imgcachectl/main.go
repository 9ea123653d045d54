// SPDX-License-Identifier: Unlicense OR MIT

// Command imgcachectl drives a cache.Controller from the command line: it
// requests real URLs, waits for them to settle, and reports RAM/video
// usage and eviction order, useful for exercising budget and eviction
// behavior without a Gio window.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/savanesoff/imgcache/cmd/imgcachectl/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := cmd.New().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
