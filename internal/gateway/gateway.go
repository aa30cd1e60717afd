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

/*
Package gateway reaches the three asynchronous services a workflow item passes
through: asset generation, caption export and multi-platform posting.
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	ServiceAsset  = "asset"
	ServiceExport = "export"
	ServicePost   = "post"
)

type JobState string

const (
	StateRunning  JobState = "running"
	StateComplete JobState = "complete"
	StateFailed   JobState = "failed"
	StateNotFound JobState = "not_found"
)

// JobStatus is the state of an external job as reported by its service. URL is
// only set for complete jobs that produced a result.
type JobStatus struct {
	State   JobState
	URL     string
	Message string
}

// httpURL accepts empty values; combine with validation.Required when needed.
func httpURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

type AssetRequest struct {
	ContentRef  string
	Title       string
	Script      string
	AvatarID    string
	VoiceID     string
	CallbackURL string
}

func (r AssetRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ContentRef, validation.Required),
		validation.Field(&r.Script, validation.Required, validation.Length(1, 5000)),
		validation.Field(&r.CallbackURL, validation.By(httpURL)),
	)
}

type ExportRequest struct {
	AssetJobID  string
	AssetURL    string
	Title       string
	Template    string
	CallbackURL string
}

func (r ExportRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AssetJobID, validation.Required),
		validation.Field(&r.AssetURL, validation.Required, validation.By(httpURL)),
		validation.Field(&r.CallbackURL, validation.By(httpURL)),
	)
}

type PostRequest struct {
	FinalAssetURL string
	Caption       string
	Platforms     []string
	ProfileID     string
}

func (r PostRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FinalAssetURL, validation.Required, validation.By(httpURL)),
		validation.Field(&r.Caption, validation.Required, validation.Length(1, 2200)),
		validation.Field(&r.Platforms, validation.Required),
	)
}

// Gateway is the boundary to the external services. Implementations return
// *Error for every failure so callers can tell retryable from permanent ones.
type Gateway interface {
	StartAssetGeneration(ctx context.Context, req AssetRequest) (string, error)
	PollAssetStatus(ctx context.Context, jobID string) (JobStatus, error)
	StartExport(ctx context.Context, req ExportRequest) (string, error)
	PollExportStatus(ctx context.Context, exportJobID string) (JobStatus, error)
	RetriggerExport(ctx context.Context, exportJobID string) error
	DispatchPost(ctx context.Context, req PostRequest) (string, error)
}

// Kind classifies a gateway failure. KindInvalid is reserved for content the
// service rejected; KindAuth (401/403) and KindConfig (missing or malformed
// endpoint) are deployment faults.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindServer      Kind = "server"
	KindRateLimited Kind = "rate_limited"
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_found"
	KindAuth        Kind = "auth"
	KindConfig      Kind = "config"
)

type Error struct {
	Service string
	Op      string
	Status  int
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Service, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Service, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed later. Only invalid
// input is permanent; auth and config faults clear once the deployment is
// fixed.
func (e *Error) Retryable() bool {
	return e.Kind != KindInvalid
}
