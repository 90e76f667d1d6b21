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
	"encoding/base64"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

const (
	// maxWidth triggers downscaling.
	maxWidth = 2048

	// jpegQuality is the recompression quality.
	jpegQuality = 85

	// pngToJPEGThreshold converts large opaque PNGs to JPEG.
	pngToJPEGThreshold = 2 * 1024 * 1024
)

// Optimize downsizes wide images, recompresses JPEG and WebP at quality 85,
// and converts large opaque PNGs to JPEG. On any decode failure the original
// bytes pass through untouched.
func Optimize(data []byte, mime string, logger *slog.Logger) ([]byte, string) {
	if logger == nil {
		logger = slog.Default()
	}

	img, err := decode(data, mime)
	if err != nil {
		logger.Debug("skipping optimization, decode failed", "mime", mime, "error", err)
		return data, mime
	}

	resized := false
	if width := img.Bounds().Dx(); width > maxWidth {
		img = resizeToWidth(img, maxWidth)
		resized = true
	}

	switch mime {
	case "image/jpeg", "image/webp":
		out, err := encodeJPEG(img)
		if err != nil {
			return data, mime
		}
		return out, "image/jpeg"

	case "image/png":
		if len(data) > pngToJPEGThreshold && isOpaque(img) {
			out, err := encodeJPEG(img)
			if err == nil {
				logger.Debug("converted large opaque png to jpeg", "before", len(data), "after", len(out))
				return out, "image/jpeg"
			}
		}
		if resized {
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err == nil {
				return buf.Bytes(), "image/png"
			}
		}
		return data, mime

	default:
		// GIF passes through; re-encoding would drop animation.
		return data, mime
	}
}

func decode(data []byte, mime string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch mime {
	case "image/png":
		return png.Decode(r)
	case "image/jpeg":
		return jpeg.Decode(r)
	case "image/gif":
		return gif.Decode(r)
	case "image/webp":
		return webp.Decode(r)
	}
	img, _, err := image.Decode(r)
	return img, err
}

func resizeToWidth(img image.Image, width int) image.Image {
	bounds := img.Bounds()
	height := bounds.Dy() * width / bounds.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isOpaque samples the alpha channel; a single transparent pixel keeps the
// image as PNG.
func isOpaque(img image.Image) bool {
	if op, ok := img.(interface{ Opaque() bool }); ok {
		return op.Opaque()
	}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return false
			}
		}
	}
	return true
}

// EncodeDataURL renders bytes as an inline data: URL.
func EncodeDataURL(data []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
