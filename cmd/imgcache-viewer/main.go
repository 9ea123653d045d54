// SPDX-License-Identifier: Unlicense OR MIT

// Command imgcache-viewer is a Gio demo that requests a growing grid of
// remote images through a cache.Controller, painting queued/loading/
// loaded state per cell so RAM and video-memory eviction are visible as
// you scroll.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"strconv"

	"gioui.org/app"
	"gioui.org/font/gofont"
	"gioui.org/io/system"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"
	lorem "github.com/drhodes/golorem"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/exp/shiny/materialdesign/icons"

	"github.com/savanesoff/imgcache/cache"
	idebug "github.com/savanesoff/imgcache/debug"
	"github.com/savanesoff/imgcache/event"
	iprofile "github.com/savanesoff/imgcache/profile"
	iwidget "github.com/savanesoff/imgcache/widget"
)

var (
	th = material.NewTheme(gofont.Collection())

	ramBudget    int64
	videoBudget  int64
	loadersMax   int
	tileDp       float64
	profileOpt   string
	debugOutline bool
)

func init() {
	flag.Int64Var(&ramBudget, "ram-budget", 64<<20, "RAM byte budget")
	flag.Int64Var(&videoBudget, "video-budget", 32<<20, "video memory byte budget")
	flag.IntVar(&loadersMax, "loaders-max", 16, "max concurrent fetches")
	flag.Float64Var(&tileDp, "tile-dp", 96, "tile size in dp")
	flag.StringVar(&profileOpt, "profile", "none", "create the provided kind of profile. Use one of [none, cpu, mem, block, goroutine, mutex, trace, gio]")
	flag.BoolVar(&debugOutline, "debug-outline", false, "outline each grid cell, useful for spotting layout drift under eviction")
	flag.Parse()
}

func main() {
	ui := NewUI()
	go func() {
		w := app.NewWindow(app.Title("imgcache-viewer"))
		if err := ui.Run(w); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
	app.Main()
}

var errorIcon = func() *widget.Icon {
	ic, _ := widget.NewIcon(icons.AlertErrorOutline)
	return ic
}()

var lockIcon = func() *widget.Icon {
	ic, _ := widget.NewIcon(icons.ActionLock)
	return ic
}()

// UI owns the Controller and the scrollable grid of reels.
type UI struct {
	controller *cache.Controller
	reels      Reels
}

func NewUI() UI {
	return UI{
		controller: cache.New(cache.Config{
			RAMBytesBudget:   ramBudget,
			VideoBytesBudget: videoBudget,
			LoadersMax:       loadersMax,
			Metrics:          true,
		}),
	}
}

func (ui *UI) Run(w *app.Window) error {
	profiler := iprofile.Opt(profileOpt).NewCacheProfiler(ui.controller, nil)
	profiler.Start()
	var ops op.Ops
	var ramOver, videoOver bool
	ui.controller.On(cache.ControllerRAMOverflow, func(event.Event) { ramOver = true })
	ui.controller.On(cache.ControllerVideoOverflow, func(event.Event) { videoOver = true })
	ui.controller.On(cache.ControllerUpdate, func(event.Event) { w.Invalidate() })
	for {
		e := <-w.Events()
		switch e := e.(type) {
		case system.DestroyEvent:
			profiler.Stop()
			_ = ui.controller.Shutdown(context.Background())
			return e.Err
		case system.FrameEvent:
			gtx := layout.NewContext(&ops, e)
			profiler.Record(gtx)
			ui.Layout(gtx, ramOver, videoOver)
			e.Frame(&ops)
		}
	}
}

type (
	C = layout.Context
	D = layout.Dimensions
)

func (ui *UI) Layout(gtx C, ramOver, videoOver bool) D {
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Rigid(func(gtx C) D {
			return layout.Inset{Top: unit.Dp(4), Bottom: unit.Dp(4)}.Layout(gtx, func(gtx C) D {
				status := fmt.Sprintf("ram %d/%d  video %d/%d",
					ui.controller.RAMBytesUsed(), ramBudget,
					ui.controller.VideoBytesUsed(), videoBudget)
				if ramOver || videoOver {
					status += "  OVERFLOW"
				}
				return material.Caption(th, status).Layout(gtx)
			})
		}),
		layout.Flexed(1, func(gtx C) D {
			return ui.reels.Layout(gtx, ui.controller)
		}),
	)
}

// Reels lays out a vertically scrollable stack of Reel rows, growing as
// the viewport expands.
type Reels struct {
	items []*Reel
	list  widget.List
}

func (reels *Reels) Layout(gtx C, c *cache.Controller) D {
	reels.list.Axis = layout.Vertical
	return material.List(th, &reels.list).Layout(gtx, reels.Len(), func(gtx C, ii int) D {
		if ii == len(reels.items) {
			reels.Grow(c)
		}
		return reels.items[ii].Layout(gtx, c)
	})
}

func (reels *Reels) Len() int {
	if len(reels.items) == 0 {
		reels.Grow(nil)
	}
	return len(reels.items) + 1
}

func (reels *Reels) Grow(c *cache.Controller) {
	idx := len(reels.items)
	name := fmt.Sprintf("%d-%s", idx, lorem.Word(4, 10))
	reel := &Reel{index: idx, name: name}
	if c != nil {
		reel.bucket = c.AddBucket(name, false)
	}
	reels.items = append(reels.items, reel)
}

// Reel lays out a horizontally scrolling row of image cells, one Bucket
// per Reel.
type Reel struct {
	index  int
	name   string
	count  int
	bucket *cache.Bucket
	list   layout.List
	cells  map[string]*cell
}

type cell struct {
	req      *cache.RenderRequest
	image    iwidget.CachedImage
	swatch   color.NRGBA
	rendered bool
	errored  bool
}

func (reel *Reel) Len() int {
	if reel.count == 0 {
		reel.count++
	}
	return reel.count + 1
}

func (reel *Reel) Layout(gtx C, c *cache.Controller) D {
	if reel.cells == nil {
		reel.cells = make(map[string]*cell)
	}
	for _, cl := range reel.cells {
		cl.req.SetVisible(false)
	}
	return reel.list.Layout(gtx, reel.Len(), func(gtx C, ii int) D {
		if ii == reel.count {
			reel.count++
		}
		return layout.UniformInset(unit.Dp(4)).Layout(gtx, func(gtx C) D {
			px := gtx.Dp(unit.Dp(tileDp))
			size := image.Point{X: px, Y: px}
			gtx.Constraints = layout.Exact(size)

			id := strconv.Itoa(reel.index) + ":" + strconv.Itoa(ii)
			cl, ok := reel.cells[id]
			if !ok {
				cl = reel.newCell(c, id, size)
				reel.cells[id] = cl
			}
			cl.req.SetVisible(true)
			paint := func(gtx C) D {
				return roundedCorners(unit.Dp(4)).layout(gtx, func(gtx C) D {
					return reel.paintCell(gtx, cl, size)
				})
			}
			if debugOutline {
				return idebug.Outline(gtx, paint)
			}
			return paint(gtx)
		})
	})
}

func (reel *Reel) newCell(c *cache.Controller, id string, size image.Point) *cell {
	cl := &cell{swatch: colorfulSwatch()}
	req, err := c.Request(context.Background(), cache.Request{
		URL:    fmt.Sprintf(unsplash, size.X, size.Y) + "&sig=" + id,
		Size:   size,
		Bucket: reel.bucket.Name(),
	})
	if err != nil {
		log.Printf("imgcache-viewer: request %s: %v", id, err)
		cl.req = req
		return cl
	}
	req.Image().On(cache.ImageLoadEnd, func(e event.Event) {
		if e.Err != nil {
			cl.errored = true
		}
	})
	req.Image().On(cache.ImageClear, func(event.Event) {
		cl.image.Reset()
		cl.rendered = false
		cl.errored = false
	})
	cl.req = req
	return cl
}

func (reel *Reel) paintCell(gtx C, cl *cell, size image.Point) D {
	if cl.req == nil {
		return D{Size: size}
	}
	img := cl.req.Image()
	if decoded := img.DecodedImage(); decoded != nil {
		cl.image.Cache(decoded)
		if !cl.rendered {
			cl.rendered = true
			cl.req.MarkRendered()
		}
		widget.Image{Src: cl.image.Op(), Fit: widget.Cover}.Layout(gtx)
	} else {
		coloredBackground(cl.swatch).layout(gtx, func(gtx C) D {
			return D{Size: size}
		})
	}
	if cl.errored {
		layout.Center.Layout(gtx, func(gtx C) D {
			errorIcon.Color = color.NRGBA{R: 0xd3, G: 0x2f, B: 0x2f, A: 0xff}
			return errorIcon.Layout(gtx)
		})
	}
	if img.IsLocked() {
		layout.NE.Layout(gtx, func(gtx C) D {
			lockIcon.Color = color.NRGBA{A: 0xff}
			return lockIcon.Layout(gtx)
		})
	}
	return D{Size: size}
}

func colorfulSwatch() color.NRGBA {
	c := colorful.FastHappyColor().Clamped()
	r, g, b, a := c.RGBA()
	return color.NRGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: uint8(a)}
}

// unsplash returns random nature images of the requested pixel size.
const unsplash = "https://source.unsplash.com/random/%dx%d?nature"
