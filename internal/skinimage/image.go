// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package skinimage holds the canonical ARGB raster used for skin textures.
//
// Pixels are stored as non-premultiplied ARGB uint32 values in row-major
// order. That layout is what gets fingerprinted, so two images with the same
// pixels always produce the same bytes regardless of how they were decoded.
package skinimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
)

// Fill is the ARGB value used for unused or "transparent" canvas areas.
// Existing fingerprints depend on it, so it must not change.
const Fill uint32 = 0xffffffff

const (
	SkinWidth  = 64
	SkinHeight = 64
)

var ErrBadDimensions = errors.New("image has unsupported dimensions")

// Image is a mutable ARGB raster.
type Image struct {
	width  int
	height int
	pix    []uint32
}

// New returns a width x height image filled with Fill.
func New(width, height int) *Image {
	img := &Image{
		width:  width,
		height: height,
		pix:    make([]uint32, width*height),
	}
	for i := range img.pix {
		img.pix[i] = Fill
	}
	return img
}

// FromARGB wraps a row-major ARGB slice. The slice is copied.
func FromARGB(width, height int, argb []uint32) (*Image, error) {
	if width <= 0 || height <= 0 || len(argb) != width*height {
		return nil, fmt.Errorf("%w: %dx%d with %d pixels", ErrBadDimensions, width, height, len(argb))
	}
	pix := make([]uint32, len(argb))
	copy(pix, argb)
	return &Image{width: width, height: height, pix: pix}, nil
}

// FromImage converts any decoded image into the canonical raster.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	img := &Image{
		width:  b.Dx(),
		height: b.Dy(),
		pix:    make([]uint32, b.Dx()*b.Dy()),
	}
	for y := 0; y < img.height; y++ {
		for x := 0; x < img.width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			img.pix[y*img.width+x] = uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
		}
	}
	return img
}

// Decode reads a PNG (or any registered format) into the canonical raster.
func Decode(r io.Reader) (*Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return FromImage(src), nil
}

func (img *Image) Width() int  { return img.width }
func (img *Image) Height() int { return img.height }

// At returns the ARGB value at x, y.
func (img *Image) At(x, y int) uint32 {
	return img.pix[y*img.width+x]
}

func (img *Image) Set(x, y int, argb uint32) {
	img.pix[y*img.width+x] = argb
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	pix := make([]uint32, len(img.pix))
	copy(pix, img.pix)
	return &Image{width: img.width, height: img.height, pix: pix}
}

// Sub returns a copy of the w x h region starting at x, y.
func (img *Image) Sub(x, y, w, h int) (*Image, error) {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > img.width || y+h > img.height {
		return nil, fmt.Errorf("%w: region %d,%d %dx%d outside %dx%d", ErrBadDimensions, x, y, w, h, img.width, img.height)
	}
	out := &Image{width: w, height: h, pix: make([]uint32, w*h)}
	for dy := 0; dy < h; dy++ {
		copy(out.pix[dy*w:(dy+1)*w], img.pix[(y+dy)*img.width+x:(y+dy)*img.width+x+w])
	}
	return out, nil
}

// Draw copies src onto img with its top-left corner at x, y.
func (img *Image) Draw(src *Image, x, y int) error {
	if x < 0 || y < 0 || x+src.width > img.width || y+src.height > img.height {
		return fmt.Errorf("%w: %dx%d at %d,%d does not fit %dx%d", ErrBadDimensions, src.width, src.height, x, y, img.width, img.height)
	}
	for dy := 0; dy < src.height; dy++ {
		copy(img.pix[(y+dy)*img.width+x:(y+dy)*img.width+x+src.width], src.pix[dy*src.width:(dy+1)*src.width])
	}
	return nil
}

// FillRect sets a region to Fill. Regions are clipped to the image.
func (img *Image) FillRect(x, y, w, h int) {
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			px, py := x+dx, y+dy
			if px < 0 || py < 0 || px >= img.width || py >= img.height {
				continue
			}
			img.pix[py*img.width+px] = Fill
		}
	}
}

// Bytes returns the canonical byte layout: big-endian ARGB per pixel, row-major.
func (img *Image) Bytes() []byte {
	buf := make([]byte, len(img.pix)*4)
	for i, p := range img.pix {
		binary.BigEndian.PutUint32(buf[i*4:], p)
	}
	return buf
}

// Equal reports whether both images have identical dimensions and pixels.
func (img *Image) Equal(other *Image) bool {
	if other == nil || img.width != other.width || img.height != other.height {
		return false
	}
	for i := range img.pix {
		if img.pix[i] != other.pix[i] {
			return false
		}
	}
	return true
}

// NRGBA converts the raster back into a standard library image.
func (img *Image) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.width, img.height))
	for y := 0; y < img.height; y++ {
		for x := 0; x < img.width; x++ {
			p := img.pix[y*img.width+x]
			out.SetNRGBA(x, y, color.NRGBA{
				A: uint8(p >> 24),
				R: uint8(p >> 16),
				G: uint8(p >> 8),
				B: uint8(p),
			})
		}
	}
	return out
}

// EncodePNG renders the image as a PNG.
func (img *Image) EncodePNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.NRGBA()); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
