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

package skinimage

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

type rect struct{ x, y, w, h int }

// Regions of the 64x16 head strip that the client never renders.
var unusedHeadRegions = []rect{
	{0, 0, 8, 8},
	{24, 0, 16, 8},
	{56, 0, 8, 8},
}

// Regions of the full 64x64 skin that the client never renders.
var unusedSkinRegions = []rect{
	{0, 0, 8, 8},
	{24, 0, 16, 8},
	{56, 0, 8, 8},

	{0, 16, 4, 4},
	{12, 16, 8, 4},
	{36, 16, 8, 4},
	{52, 16, 4, 4},

	{0, 32, 4, 4},
	{12, 32, 8, 4},
	{36, 32, 8, 4},
	{52, 32, 4, 4},

	{0, 48, 4, 4},
	{12, 48, 8, 4},
	{28, 48, 8, 4},
	{44, 48, 8, 4},
	{60, 48, 4, 4},

	{56, 16, 8, 32},
}

// Face and head locations inside a full skin.
const (
	FaceX, FaceY, FaceSize     = 8, 8, 8
	HeadWidth, HeadHeight      = 64, 16
	legacyHeadWidth            = 32
	customHeadEncodedByteCount = FaceSize * FaceSize * 4
)

// FaceSkin places an 8x8 face on an otherwise empty skin.
func FaceSkin(face *Image) (*Image, error) {
	if face.Width() != FaceSize || face.Height() != FaceSize {
		return nil, fmt.Errorf("%w: image must be 8x8 px", ErrBadDimensions)
	}
	skin := New(SkinWidth, SkinHeight)
	if err := skin.Draw(face, FaceX, FaceY); err != nil {
		return nil, err
	}
	return skin, nil
}

// NormalizeHead widens a 32x16 head strip to 64x16 and clears unused areas.
// The input is not modified.
func NormalizeHead(head *Image) (*Image, error) {
	if (head.Width() != legacyHeadWidth && head.Width() != HeadWidth) || head.Height() != HeadHeight {
		return nil, fmt.Errorf("%w: image must be 32x16 or 64x16 px", ErrBadDimensions)
	}
	out := head.Clone()
	if head.Width() == legacyHeadWidth {
		out = New(HeadWidth, HeadHeight)
		if err := out.Draw(head, 0, 0); err != nil {
			return nil, err
		}
	}
	for _, r := range unusedHeadRegions {
		out.FillRect(r.x, r.y, r.w, r.h)
	}
	return out, nil
}

// HeadSkin places a normalized head strip on an otherwise empty skin.
func HeadSkin(head *Image) (*Image, error) {
	if head.Width() != HeadWidth || head.Height() != HeadHeight {
		return nil, fmt.Errorf("%w: head strip must be 64x16 px", ErrBadDimensions)
	}
	skin := New(SkinWidth, SkinHeight)
	if err := skin.Draw(head, 0, 0); err != nil {
		return nil, err
	}
	return skin, nil
}

// NormalizeSkin clears every unused area of a 64x64 skin. The input is not
// modified.
func NormalizeSkin(skin *Image) (*Image, error) {
	if skin.Width() != SkinWidth || skin.Height() != SkinHeight {
		return nil, fmt.Errorf("%w: image must be 64x64 px", ErrBadDimensions)
	}
	out := skin.Clone()
	for _, r := range unusedSkinRegions {
		out.FillRect(r.x, r.y, r.w, r.h)
	}
	return out, nil
}

// Face cuts the 8x8 face out of a full skin.
func Face(skin *Image) (*Image, error) {
	return skin.Sub(FaceX, FaceY, FaceSize, FaceSize)
}

// Head cuts the 64x16 head strip out of a full skin.
func Head(skin *Image) (*Image, error) {
	return skin.Sub(0, 0, HeadWidth, HeadHeight)
}

// DecodeCustomHead parses the legacy custom head payload: base64 of 64
// big-endian ARGB values forming an 8x8 face.
func DecodeCustomHead(encoded string) (*Image, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding custom head: %w", err)
	}
	if len(raw) != customHeadEncodedByteCount {
		return nil, fmt.Errorf("%w: custom head must be %d bytes, got %d", ErrBadDimensions, customHeadEncodedByteCount, len(raw))
	}
	argb := make([]uint32, FaceSize*FaceSize)
	for i := range argb {
		argb[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return FromARGB(FaceSize, FaceSize, argb)
}
