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

// Package archive copies verified skins to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// PutObjectAPI is the part of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a traced S3 client from the default AWS credential
// chain.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Archiver is a scheduler.ResolutionListener.
type Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	ll     *slog.Logger
}

var _ scheduler.ResolutionListener = (*Archiver)(nil)

func New(client PutObjectAPI, cfg Config, ll *slog.Logger) *Archiver {
	if ll == nil {
		ll = slog.Default()
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		ll:     ll.With(slog.String("component", "archive")),
	}
}

// Key is the object key for a skin: <prefix>/<fingerprint-hex>.png.
func (a *Archiver) Key(fp fingerprint.Fingerprint) string {
	return path.Join(a.prefix, fp.String()+".png")
}

func (a *Archiver) OnResolved(ctx context.Context, res scheduler.Resolution) error {
	if res.Skin == nil {
		return fmt.Errorf("resolution %s has no skin", res.Fingerprint.Short())
	}
	png, err := res.Skin.EncodePNG()
	if err != nil {
		return fmt.Errorf("encode skin %s: %w", res.Fingerprint.Short(), err)
	}

	key := a.Key(res.Fingerprint)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(png),
		ContentLength: aws.Int64(int64(len(png))),
		ContentType:   aws.String("image/png"),
		Metadata: map[string]string{
			"skin-url": res.Texture.URL,
			"account":  res.Account.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	a.ll.Debug("Archived skin", slog.String("bucket", a.bucket), slog.String("key", key))
	return nil
}
