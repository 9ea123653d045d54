// SPDX-License-Identifier: Unlicense OR MIT

package cmd

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/savanesoff/imgcache/cache"
	"github.com/savanesoff/imgcache/event"
)

// NewCmdEvict creates the "evict" subcommand, which requests every URL
// argument under a deliberately undersized RAM budget and reports which
// Images the Controller evicted to stay under it, demonstrating the
// least-recently-rendered eviction order against real URLs.
func NewCmdEvict() *cobra.Command {
	var ramBudget int64
	c := &cobra.Command{
		Use:   "evict URL...",
		Short: "load URLs under a tight RAM budget and report eviction order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cc *cobra.Command, args []string) error {
			return evict(cc.Context(), args, ramBudget)
		},
	}
	c.Flags().Int64Var(&ramBudget, "ram-budget", 1<<20, "RAM byte budget to evict against")
	return c
}

func evict(ctx context.Context, urls []string, ramBudget int64) error {
	out := stdout()
	ctrl := cache.New(cache.Config{
		RAMBytesBudget: ramBudget,
		LoadersMax:     4,
		HTTPClient:     http.DefaultClient,
	})
	defer ctrl.Shutdown(ctx)

	var order []string
	ctrl.On(cache.ControllerImageRemoved, func(e event.Event) { order = append(order, e.Source) })

	bucket := ctrl.AddBucket("evict", false)
	for _, u := range urls {
		rr, err := ctrl.Request(ctx, cache.Request{URL: u, Headers: requestHeaders(), Size: image.Pt(256, 256), Bucket: bucket.Name()})
		if err != nil {
			fmt.Fprintf(out, "%s  error: %v\n", u, err)
			continue
		}
		done := make(chan struct{})
		rr.Image().On(cache.ImageLoadEnd, func(event.Event) { close(done) })
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			fmt.Fprintf(out, "%s  timed out waiting for load\n", u)
			continue
		}
		rr.MarkRendered()
	}

	fmt.Fprintf(out, "budget: %s  final usage: %s\n", humanize.Bytes(uint64(ramBudget)), humanize.Bytes(uint64(ctrl.RAMBytesUsed())))
	if len(order) == 0 {
		fmt.Fprintln(out, "nothing was evicted; try a smaller --ram-budget")
		return nil
	}
	fmt.Fprintln(out, "eviction order (least-recently-rendered first):")
	for i, u := range order {
		fmt.Fprintf(out, "  %d. %s\n", i+1, u)
	}
	return nil
}
