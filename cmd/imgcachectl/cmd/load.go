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

// NewCmdLoad creates the "load" subcommand, which requests one RenderRequest
// per URL argument into a fresh Controller and blocks until every Image's
// fetch has finished (LoadEnd, with or without an error), printing a
// per-URL timing line as it goes.
func NewCmdLoad() *cobra.Command {
	var (
		width, height int
		ramBudget     int64
		videoBudget   int64
		loadersMax    int
	)
	c := &cobra.Command{
		Use:   "load URL...",
		Short: "request a set of URLs through a Controller and report load times",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			return load(cc.Context(), args, image.Pt(width, height), ramBudget, videoBudget, loadersMax)
		},
	}
	c.Flags().IntVar(&width, "width", 256, "requested render width in pixels")
	c.Flags().IntVar(&height, "height", 256, "requested render height in pixels")
	c.Flags().Int64Var(&ramBudget, "ram-budget", 0, "RAM byte budget, 0 for unbounded")
	c.Flags().Int64Var(&videoBudget, "video-budget", 0, "video memory byte budget, 0 for unbounded")
	c.Flags().IntVar(&loadersMax, "loaders-max", 8, "max concurrent fetches")
	return c
}

func load(ctx context.Context, urls []string, size image.Point, ramBudget, videoBudget int64, loadersMax int) error {
	out := stdout()
	ctrl := cache.New(cache.Config{
		RAMBytesBudget:   ramBudget,
		VideoBytesBudget: videoBudget,
		LoadersMax:       loadersMax,
		HTTPClient:       http.DefaultClient,
	})
	defer ctrl.Shutdown(ctx)

	bucket := ctrl.AddBucket("load", false)
	type result struct {
		url   string
		start time.Time
		done  chan error
	}
	results := make([]*result, len(urls))
	for i, u := range urls {
		r := &result{url: u, start: time.Now(), done: make(chan error, 1)}
		results[i] = r
		rr, err := ctrl.Request(ctx, cache.Request{URL: u, Headers: requestHeaders(), Size: size, Bucket: bucket.Name()})
		if err != nil {
			r.done <- err
			continue
		}
		img := rr.Image()
		img.On(cache.ImageLoadEnd, func(e event.Event) {
			r.done <- e.Err
		})
	}

	for _, r := range results {
		err := <-r.done
		elapsed := time.Since(r.start)
		if err != nil {
			fmt.Fprintf(out, "%s  FAILED in %s: %v\n", r.url, elapsed, err)
			continue
		}
		fmt.Fprintf(out, "%s  loaded in %s\n", r.url, elapsed)
	}
	fmt.Fprintf(out, "ram used: %s  video used: %s\n",
		humanize.Bytes(uint64(ctrl.RAMBytesUsed())), humanize.Bytes(uint64(ctrl.VideoBytesUsed())))
	return nil
}
