/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/request"
)

// maxAssetSize bounds how much of a finished video is buffered for upload.
const maxAssetSize = 512 << 20

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror copies finished assets from the export service into our own bucket so
// posts do not depend on the lifetime of third-party download links.
type Mirror struct {
	client        objectPutter
	http          *http.Client
	bucket        string
	publicBaseURL string
}

// New returns nil when object storage is not configured.
func New(ctx context.Context, cfg config.ObjectStorageConfig) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newMirror(client, cfg), nil
}

func newMirror(client objectPutter, cfg config.ObjectStorageConfig) *Mirror {
	return &Mirror{
		client:        client,
		http:          &http.Client{Timeout: 5 * time.Minute},
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// Key is the object key of an item's finished video.
func Key(collection, itemID string) string {
	return fmt.Sprintf("%s/%s.mp4", collection, itemID)
}

// Copy downloads sourceURL and stores it under key, returning the public URL
// of the stored object.
func (m *Mirror) Copy(ctx context.Context, sourceURL, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &request.StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return "", fmt.Errorf("download %s: %w", sourceURL, err)
	}
	if len(body) > maxAssetSize {
		return "", fmt.Errorf("asset %s exceeds %d bytes", sourceURL, maxAssetSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	if m.publicBaseURL == "" {
		return sourceURL, nil
	}
	return m.publicBaseURL + "/" + key, nil
}
