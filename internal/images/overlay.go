// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package images

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/tombee/magnet/pkg/llm"
)

// Annotation colors.
var (
	clickColor = color.RGBA{R: 220, A: 255}
	hoverColor = color.RGBA{B: 220, A: 255}
	dragColor  = color.RGBA{G: 180, A: 255}
	bannerGray = color.RGBA{R: 40, G: 40, B: 40, A: 255}
)

// Overlay annotates a screenshot with the action that produced it: red
// crosshair for clicks, blue for hover, green start and end markers joined
// by a line for drag, a top banner for typed text. The annotated variant is
// the stored artifact; the model always sees the clean capture.
func Overlay(screenshot []byte, action llm.ComputerAction) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(img.Bounds())
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)

	switch action.Type {
	case "click", "double_click":
		drawCrosshair(canvas, action.X, action.Y, clickColor)
	case "hover":
		drawCrosshair(canvas, action.X, action.Y, hoverColor)
	case "drag":
		if len(action.Path) >= 2 {
			start, end := action.Path[0], action.Path[len(action.Path)-1]
			drawCrosshair(canvas, start.X, start.Y, dragColor)
			drawCrosshair(canvas, end.X, end.Y, dragColor)
			drawLine(canvas, start.X, start.Y, end.X, end.Y, dragColor)
		}
	case "type":
		drawBanner(canvas)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const crosshairRadius = 14

func drawCrosshair(canvas *image.RGBA, x, y int, c color.RGBA) {
	bounds := canvas.Bounds()
	for d := -crosshairRadius; d <= crosshairRadius; d++ {
		setThick(canvas, bounds, x+d, y, c)
		setThick(canvas, bounds, x, y+d, c)
	}
}

func drawLine(canvas *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	bounds := canvas.Bounds()
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setThick(canvas, bounds, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		if e2 := 2 * err; e2 >= dy {
			err += dy
			x0 += sx
		} else {
			err += dx
			y0 += sy
		}
	}
}

func drawBanner(canvas *image.RGBA) {
	bounds := canvas.Bounds()
	height := 24
	if bounds.Dy() < height {
		height = bounds.Dy()
	}
	banner := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Min.Y+height)
	draw.Draw(canvas, banner, &image.Uniform{C: bannerGray}, image.Point{}, draw.Src)
}

func setThick(canvas *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if image.Pt(x+dx, y+dy).In(bounds) {
				canvas.SetRGBA(x+dx, y+dy, c)
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
