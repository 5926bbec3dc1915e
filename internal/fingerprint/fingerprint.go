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

// Package fingerprint computes content-addressed keys for skin images.
package fingerprint

import (
	"crypto/sha512"
	"encoding/hex"

	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

// Size is the length of a fingerprint in bytes.
const Size = sha512.Size

// Fingerprint is the SHA-512 digest of an image's canonical pixel bytes.
// It is comparable and safe to use as a map key.
type Fingerprint [Size]byte

// Of fingerprints an image. Pixel-identical images always share a fingerprint.
func Of(img *skinimage.Image) Fingerprint {
	return Fingerprint(sha512.Sum512(img.Bytes()))
}

// OfRegion fingerprints the w x h region of img starting at x, y.
func OfRegion(img *skinimage.Image, x, y, w, h int) (Fingerprint, error) {
	sub, err := img.Sub(x, y, w, h)
	if err != nil {
		return Fingerprint{}, err
	}
	return Of(sub), nil
}

// Bytes returns the digest as a slice suitable for storage.
func (f Fingerprint) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, f[:])
	return b
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short is a prefix of the hex form for log lines.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:6])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
