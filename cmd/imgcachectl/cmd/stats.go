// SPDX-License-Identifier: Unlicense OR MIT

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/savanesoff/imgcache/cache"
	"github.com/savanesoff/imgcache/debug"
	"github.com/savanesoff/imgcache/event"
)

// snapshot is the JSON-dumpable shape printed by "stats --debug".
type snapshot struct {
	RAMBytesUsed   int64 `json:"ram_bytes_used"`
	VideoBytesUsed int64 `json:"video_bytes_used"`
	ImagesAdded    int   `json:"images_added"`
	ImagesRemoved  int   `json:"images_removed"`
}

// NewCmdStats creates the "stats" subcommand, which loads every URL in a
// newline-delimited file into a Controller and reports a running summary
// of RAM/video usage and eviction counts once all fetches have settled.
func NewCmdStats() *cobra.Command {
	var (
		file        string
		ramBudget   int64
		videoBudget int64
		debugDump   bool
	)
	c := &cobra.Command{
		Use:   "stats",
		Short: "load a file of URLs and report Controller usage once settled",
		RunE: func(cc *cobra.Command, args []string) error {
			urls, err := readLines(file)
			if err != nil {
				return err
			}
			return stats(cc.Context(), urls, ramBudget, videoBudget, debugDump)
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "newline-delimited file of URLs (required)")
	c.Flags().Int64Var(&ramBudget, "ram-budget", 0, "RAM byte budget, 0 for unbounded")
	c.Flags().Int64Var(&videoBudget, "video-budget", 0, "video memory byte budget, 0 for unbounded")
	c.Flags().BoolVar(&debugDump, "debug", false, "dump the final snapshot as JSON instead of a human summary")
	c.MarkFlagRequired("file")
	return c
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func stats(ctx context.Context, urls []string, ramBudget, videoBudget int64, debugDump bool) error {
	ctrl := cache.New(cache.Config{
		RAMBytesBudget:   ramBudget,
		VideoBytesBudget: videoBudget,
		LoadersMax:       16,
		HTTPClient:       http.DefaultClient,
	})
	defer ctrl.Shutdown(ctx)

	var snap snapshot
	ctrl.On(cache.ControllerImageAdded, func(event.Event) { snap.ImagesAdded++ })
	ctrl.On(cache.ControllerImageRemoved, func(event.Event) { snap.ImagesRemoved++ })

	bucket := ctrl.AddBucket("stats", false)
	done := make(chan struct{}, len(urls))
	for _, u := range urls {
		rr, err := ctrl.Request(ctx, cache.Request{URL: u, Headers: requestHeaders(), Size: image.Pt(128, 128), Bucket: bucket.Name()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "imgcachectl: %s: %v\n", u, err)
			done <- struct{}{}
			continue
		}
		rr.Image().On(cache.ImageLoadEnd, func(event.Event) { done <- struct{}{} })
	}
	deadline := time.After(30 * time.Second)
settle:
	for range urls {
		select {
		case <-done:
		case <-deadline:
			fmt.Fprintln(os.Stderr, "imgcachectl: timed out waiting for fetches to settle")
			break settle
		}
	}

	snap.RAMBytesUsed = ctrl.RAMBytesUsed()
	snap.VideoBytesUsed = ctrl.VideoBytesUsed()

	if debugDump {
		debug.Dump(snap)
		return nil
	}
	out := stdout()
	fmt.Fprintf(out, "images added:   %d\n", snap.ImagesAdded)
	fmt.Fprintf(out, "images removed: %d\n", snap.ImagesRemoved)
	fmt.Fprintf(out, "ram used:       %s\n", humanize.Bytes(uint64(snap.RAMBytesUsed)))
	fmt.Fprintf(out, "video used:     %s\n", humanize.Bytes(uint64(snap.VideoBytesUsed)))
	return nil
}
