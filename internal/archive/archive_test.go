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

package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
	"github.com/cardinalhq/skinrunner/internal/skinimage"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func testResolution() scheduler.Resolution {
	img := skinimage.New(skinimage.SkinWidth, skinimage.SkinHeight)
	img.Set(9, 9, 0xff102030)
	return scheduler.Resolution{
		Fingerprint: fingerprint.Of(img),
		Texture:     scheduler.Texture{URL: "http://textures/abc"},
		Skin:        img,
		Account:     uuid.New(),
	}
}

func TestArchiver_PutsPNGUnderFingerprintKey(t *testing.T) {
	s3c := &fakeS3{}
	a := New(s3c, Config{Bucket: "skins", Prefix: "textures/v1"}, nil)
	res := testResolution()

	require.NoError(t, a.OnResolved(context.Background(), res))
	require.Len(t, s3c.inputs, 1)

	in := s3c.inputs[0]
	assert.Equal(t, "skins", aws.ToString(in.Bucket))
	assert.Equal(t, "textures/v1/"+res.Fingerprint.String()+".png", aws.ToString(in.Key))
	assert.Equal(t, "image/png", aws.ToString(in.ContentType))
	assert.Equal(t, "http://textures/abc", in.Metadata["skin-url"])

	decoded, err := skinimage.Decode(bytes.NewReader(s3c.bodies[0]))
	require.NoError(t, err)
	assert.True(t, res.Skin.Equal(decoded))
}

func TestArchiver_KeyWithoutPrefix(t *testing.T) {
	a := New(&fakeS3{}, Config{Bucket: "skins"}, nil)
	res := testResolution()
	assert.Equal(t, res.Fingerprint.String()+".png", a.Key(res.Fingerprint))
}

func TestArchiver_Errors(t *testing.T) {
	s3c := &fakeS3{err: errors.New("access denied")}
	a := New(s3c, Config{Bucket: "skins"}, nil)

	err := a.OnResolved(context.Background(), testResolution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://skins/")

	res := testResolution()
	res.Skin = nil
	assert.Error(t, a.OnResolved(context.Background(), res))
}
