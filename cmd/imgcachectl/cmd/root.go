// SPDX-License-Identifier: Unlicense OR MIT

// Package cmd implements the imgcachectl subcommands, a small inspector
// that drives a cache.Controller against real URLs from a terminal so its
// budget and eviction behavior can be exercised and observed outside a
// Gio application. One NewCmd* constructor per subcommand, flags bound to
// local vars, Run logic split into a plain function taking a context.
package cmd

import (
	"io"
	"net/http"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Version is set by the linker at release-build time.
var Version = ""

// userAgent is sent with every request each subcommand issues through a
// Controller, so fetches against an origin can be attributed back to this
// tool in its access logs.
func userAgent() string {
	if Version != "" {
		return "imgcachectl/" + Version
	}
	return "imgcachectl"
}

// stdout returns a writer that strips ANSI color codes when stdout isn't
// a terminal, same convention mattn/go-colorable exists to serve.
func stdout() io.Writer {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return colorable.NewColorableStdout()
	}
	return colorable.NewNonColorable(os.Stdout)
}

// New builds the imgcachectl root command and wires every subcommand.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:          "imgcachectl",
		Short:        "inspect and exercise an imgcache.Controller from the command line",
		SilenceUsage: true,
	}
	root.AddCommand(NewCmdLoad(), NewCmdStats(), NewCmdEvict())
	return root
}

// requestHeaders returns the headers every subcommand attaches to its
// cache.Request, identifying this tool to the origin it's fetching from.
func requestHeaders() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", userAgent())
	return h
}
