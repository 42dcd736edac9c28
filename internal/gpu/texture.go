package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// MaxTextureDimension is the largest width or height accepted by Validate.
const MaxTextureDimension = 16384

// ErrInvalidDescriptor is matched by every error returned from Validate.
var ErrInvalidDescriptor = errors.New("invalid texture descriptor")

// TextureDescriptor describes a shared 2D texture.
type TextureDescriptor struct {
	// Label is an optional debug label.
	Label string

	Width  uint32
	Height uint32

	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

// DefaultTextureDescriptor returns a descriptor usable both as a render
// target and as a sampled source, which is what a texture shared between the
// script side and the native side needs.
func DefaultTextureDescriptor(width, height uint32, format gputypes.TextureFormat) TextureDescriptor {
	return TextureDescriptor{
		Width:  width,
		Height: height,
		Format: format,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	}
}

// Validate checks the dimensions and the format.
func (d TextureDescriptor) Validate() error {
	switch {
	case d.Width == 0 || d.Height == 0:
		return fmt.Errorf("%w: zero dimension %dx%d", ErrInvalidDescriptor, d.Width, d.Height)
	case d.Width > MaxTextureDimension || d.Height > MaxTextureDimension:
		return fmt.Errorf("%w: %dx%d exceeds maximum dimension %d", ErrInvalidDescriptor, d.Width, d.Height, MaxTextureDimension)
	case d.Format == gputypes.TextureFormatUndefined:
		return fmt.Errorf("%w: undefined format", ErrInvalidDescriptor)
	}
	return nil
}

var formatNames = []struct {
	name   string
	format gputypes.TextureFormat
}{
	{"rgba8unorm", gputypes.TextureFormatRGBA8Unorm},
	{"bgra8unorm", gputypes.TextureFormatBGRA8Unorm},
	{"r8unorm", gputypes.TextureFormatR8Unorm},
	{"depth24plus-stencil8", gputypes.TextureFormatDepth24PlusStencil8},
}

// ParseFormat maps a lowercase WebGPU format name to its TextureFormat.
func ParseFormat(name string) (gputypes.TextureFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range formatNames {
		if f.name == name {
			return f.format, nil
		}
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("unknown texture format %q (supported: %s)", name, strings.Join(FormatNames(), ", "))
}

// FormatName is the inverse of ParseFormat. Unknown formats render as
// "format(...)".
func FormatName(format gputypes.TextureFormat) string {
	for _, f := range formatNames {
		if f.format == format {
			return f.name
		}
	}
	return fmt.Sprintf("format(%v)", format)
}

// FormatNames lists the names ParseFormat accepts.
func FormatNames() []string {
	names := make([]string, len(formatNames))
	for i, f := range formatNames {
		names[i] = f.name
	}
	return names
}
