// Package debug provides small tools for inspecting a running cache: an
// outline overlay for spotting misbehaving cell layouts, and a JSON dumper
// for cache snapshots taken by imgcachectl.
package debug

import (
	"bytes"
	"encoding/json"
	"image/color"
	"io"
	"os"

	"gioui.org/layout"
	"gioui.org/unit"
	"gioui.org/widget"
)

type (
	C = layout.Context
	D = layout.Dimensions
)

// Outline traces a small red outline around the provided widget. Useful
// wrapped around a grid cell to spot layout cells that are mis-sized or
// overlapping once RAM/video eviction starts reclaiming their Images.
func Outline(gtx C, w func(gtx C) D) D {
	return widget.Border{
		Color: color.NRGBA{R: 0xd3, A: 0xff},
		Width: unit.Dp(1),
	}.Layout(gtx, w)
}

// Dump writes v (typically a cache usage snapshot) as indented JSON to
// stderr.
func Dump(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	b = append(b, []byte("\n")...)
	io.Copy(os.Stderr, bytes.NewBuffer(b))
}
