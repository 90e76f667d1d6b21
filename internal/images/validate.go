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
	"log/slog"

	"github.com/tombee/magnet/pkg/errors"
)

const (
	// MaxImageBytes is the hard size limit.
	MaxImageBytes = 10 * 1024 * 1024

	// warnImageBytes logs a warning without rejecting.
	warnImageBytes = 8 * 1024 * 1024
)

// Format signatures.
var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gif87     = []byte("GIF87a")
	gif89     = []byte("GIF89a")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// ValidateSize rejects images above the hard limit and warns near it.
func ValidateSize(data []byte, logger *slog.Logger) error {
	if len(data) > MaxImageBytes {
		return &errors.ImageError{Message: "image exceeds 10 MB limit"}
	}
	if len(data) > warnImageBytes && logger != nil {
		logger.Warn("image close to size limit", "bytes", len(data))
	}
	return nil
}

// DetectFormat returns the MIME type of the image, or empty when the bytes
// are not PNG, JPEG, GIF, or WebP.
func DetectFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, gif87), bytes.HasPrefix(data, gif89):
		return "image/gif"
	case bytes.HasPrefix(data, riffMagic) && len(data) >= 12 && bytes.Equal(data[8:12], webpMagic):
		return "image/webp"
	}
	return ""
}

// ValidateFormat requires the bytes to parse as a supported image format.
func ValidateFormat(data []byte) (string, error) {
	mime := DetectFormat(data)
	if mime == "" {
		return "", &errors.ImageError{Message: "unsupported image format"}
	}
	return mime, nil
}

// ExtensionFor maps a MIME type to its file extension.
func ExtensionFor(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "bin"
}
