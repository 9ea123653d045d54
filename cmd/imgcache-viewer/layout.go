// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"image"
	"image/color"

	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/unit"
	"gioui.org/x/component"
)

// roundedCorners clips a widget to a rounded rect of the given corner
// radius. Every grid cell is wrapped in one so the grid reads as rows of
// tiles rather than a solid sheet of pixels.
type roundedCorners unit.Dp

func (r roundedCorners) layout(gtx C, w layout.Widget) D {
	macro := op.Record(gtx.Ops)
	dims := w(gtx)
	call := macro.Stop()
	radii := gtx.Dp(unit.Dp(r))
	defer clip.RRect{
		Rect: image.Rectangle{Max: dims.Size},
		NE:   radii,
		NW:   radii,
		SW:   radii,
		SE:   radii,
	}.Push(gtx.Ops).Pop()
	call.Add(gtx.Ops)
	return dims
}

// coloredBackground paints a flat color swatch behind a cell while its
// Image has not yet decoded, so an empty cell still shows a distinct tile
// rather than blank space.
type coloredBackground color.NRGBA

func (bg coloredBackground) layout(gtx C, w layout.Widget) D {
	macro := op.Record(gtx.Ops)
	dims := w(gtx)
	call := macro.Stop()
	return layout.Stack{}.Layout(
		gtx,
		layout.Expanded(component.Rect{
			Size:  dims.Size,
			Color: color.NRGBA(bg),
		}.Layout),
		layout.Stacked(func(gtx C) D {
			call.Add(gtx.Ops)
			return dims
		}),
	)
}
