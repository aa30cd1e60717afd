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

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blnkfinance/spool/config"
	"github.com/blnkfinance/spool/internal/request"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type endpoint struct {
	service    string
	baseURL    string
	apiKey     string
	authHeader string
	timeout    time.Duration
}

// HTTPGateway talks to the asset, export and post services over JSON/HTTP.
type HTTPGateway struct {
	client *http.Client
	asset  endpoint
	export endpoint
	post   endpoint
}

func NewHTTPGateway(services config.ServicesConfig) *HTTPGateway {
	return &HTTPGateway{
		client: &http.Client{},
		asset:  endpoint{service: ServiceAsset, baseURL: services.Asset.BaseURL, apiKey: services.Asset.APIKey, authHeader: "X-Api-Key", timeout: services.Asset.Timeout()},
		export: endpoint{service: ServiceExport, baseURL: services.Export.BaseURL, apiKey: services.Export.APIKey, authHeader: "X-Api-Key", timeout: services.Export.Timeout()},
		post:   endpoint{service: ServicePost, baseURL: services.Post.BaseURL, apiKey: services.Post.APIKey, authHeader: "Authorization", timeout: services.Post.Timeout()},
	}
}

func (g *HTTPGateway) do(ctx context.Context, e endpoint, op, method, path string, payload, response interface{}) error {
	ctx, span := otel.Tracer("gateway").Start(ctx, e.service+" "+op)
	defer span.End()
	span.SetAttributes(attribute.String("gateway.service", e.service), attribute.String("gateway.op", op))

	if e.baseURL == "" {
		return &Error{Service: e.service, Op: op, Kind: KindConfig, Err: errors.New("service base url is not configured")}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		buf, err := request.ToJsonReq(payload)
		if err != nil {
			return &Error{Service: e.service, Op: op, Kind: KindInvalid, Err: errors.Wrap(err, "failed to encode payload")}
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return &Error{Service: e.service, Op: op, Kind: KindConfig, Err: errors.Wrap(err, "failed to create request")}
	}
	if e.authHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	} else {
		req.Header.Set(e.authHeader, e.apiKey)
	}

	_, err = request.Call(g.client, req, response)
	if err != nil {
		gerr := classify(e.service, op, err)
		span.RecordError(gerr)
		logrus.WithFields(logrus.Fields{
			"service": e.service,
			"op":      op,
			"kind":    gerr.Kind,
			"status":  gerr.Status,
		}).Debug("gateway call failed")
		if gerr.Kind == KindAuth {
			logrus.WithField("service", e.service).Warn("service rejected the configured api key")
		}
		return gerr
	}
	return nil
}

func classify(service, op string, err error) *Error {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		e := &Error{Service: service, Op: op, Status: statusErr.StatusCode, Err: errors.Wrapf(err, "%s %s", service, op)}
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			e.Kind = KindRateLimited
		case statusErr.StatusCode == http.StatusNotFound:
			e.Kind = KindNotFound
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			e.Kind = KindAuth
		case statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusRequestTimeout:
			e.Kind = KindServer
		default:
			e.Kind = KindInvalid
		}
		return e
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Service: service, Op: op, Kind: KindServer, Err: errors.Wrap(err, "malformed response")}
	}
	return &Error{Service: service, Op: op, Kind: KindTransport, Err: errors.Wrapf(err, "%s %s", service, op)}
}

func invalid(service, op string, err error) error {
	return &Error{Service: service, Op: op, Kind: KindInvalid, Err: err}
}

type assetGenerateRequest struct {
	Title       string            `json:"title,omitempty"`
	CallbackID  string            `json:"callback_id"`
	CallbackURL string            `json:"callback_url,omitempty"`
	VideoInputs []assetVideoInput `json:"video_inputs"`
	Dimension   assetDimension    `json:"dimension"`
}

type assetVideoInput struct {
	Character assetCharacter `json:"character"`
	Voice     assetVoice     `json:"voice"`
}

type assetCharacter struct {
	Type     string `json:"type"`
	AvatarID string `json:"avatar_id,omitempty"`
}

type assetVoice struct {
	Type      string `json:"type"`
	InputText string `json:"input_text"`
	VoiceID   string `json:"voice_id,omitempty"`
}

type assetDimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type assetGenerateResponse struct {
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
}

type assetStatusResponse struct {
	Data struct {
		Status   string `json:"status"`
		VideoURL string `json:"video_url"`
		Error    *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"data"`
}

func (g *HTTPGateway) StartAssetGeneration(ctx context.Context, req AssetRequest) (string, error) {
	const op = "start_asset_generation"
	if err := req.Validate(); err != nil {
		return "", invalid(ServiceAsset, op, err)
	}

	payload := assetGenerateRequest{
		Title:       req.Title,
		CallbackID:  req.ContentRef,
		CallbackURL: req.CallbackURL,
		VideoInputs: []assetVideoInput{{
			Character: assetCharacter{Type: "avatar", AvatarID: req.AvatarID},
			Voice:     assetVoice{Type: "text", InputText: req.Script, VoiceID: req.VoiceID},
		}},
		Dimension: assetDimension{Width: 1080, Height: 1920},
	}

	var resp assetGenerateResponse
	if err := g.do(ctx, g.asset, op, http.MethodPost, "/v2/video/generate", payload, &resp); err != nil {
		return "", err
	}
	if resp.Data.VideoID == "" {
		return "", &Error{Service: ServiceAsset, Op: op, Kind: KindServer, Err: errors.New("response did not include a video id")}
	}
	return resp.Data.VideoID, nil
}

func (g *HTTPGateway) PollAssetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	const op = "poll_asset_status"
	var resp assetStatusResponse
	err := g.do(ctx, g.asset, op, http.MethodGet, "/v1/video_status.get?video_id="+url.QueryEscape(jobID), nil, &resp)
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && gerr.Kind == KindNotFound {
			return JobStatus{State: StateNotFound, Message: "asset job not found"}, nil
		}
		return JobStatus{}, err
	}

	switch strings.ToLower(resp.Data.Status) {
	case "completed":
		return JobStatus{State: StateComplete, URL: resp.Data.VideoURL}, nil
	case "failed":
		status := JobStatus{State: StateFailed, Message: "asset generation failed"}
		if resp.Data.Error != nil && resp.Data.Error.Message != "" {
			status.Message = resp.Data.Error.Message
		}
		return status, nil
	default:
		return JobStatus{State: StateRunning}, nil
	}
}

type exportCreateRequest struct {
	Title        string `json:"title,omitempty"`
	Language     string `json:"language"`
	VideoURL     string `json:"videoUrl"`
	TemplateName string `json:"templateName,omitempty"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
}

type exportProject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DownloadURL   string `json:"downloadUrl"`
	DirectURL     string `json:"directUrl"`
	FailureReason string `json:"failureReason"`
}

func (g *HTTPGateway) StartExport(ctx context.Context, req ExportRequest) (string, error) {
	const op = "start_export"
	if err := req.Validate(); err != nil {
		return "", invalid(ServiceExport, op, err)
	}

	payload := exportCreateRequest{
		Title:        req.Title,
		Language:     "en",
		VideoURL:     req.AssetURL,
		TemplateName: req.Template,
		WebhookURL:   req.CallbackURL,
	}

	var resp exportProject
	if err := g.do(ctx, g.export, op, http.MethodPost, "/api/v1/projects", payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &Error{Service: ServiceExport, Op: op, Kind: KindServer, Err: errors.New("response did not include a project id")}
	}
	return resp.ID, nil
}

func (g *HTTPGateway) PollExportStatus(ctx context.Context, exportJobID string) (JobStatus, error) {
	const op = "poll_export_status"
	var resp exportProject
	err := g.do(ctx, g.export, op, http.MethodGet, "/api/v1/projects/"+url.PathEscape(exportJobID), nil, &resp)
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && gerr.Kind == KindNotFound {
			return JobStatus{State: StateNotFound, Message: "export project not found"}, nil
		}
		return JobStatus{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "completed":
		download := resp.DownloadURL
		if download == "" {
			download = resp.DirectURL
		}
		return JobStatus{State: StateComplete, URL: download}, nil
	case "failed":
		status := JobStatus{State: StateFailed, Message: "export failed"}
		if resp.FailureReason != "" {
			status.Message = resp.FailureReason
		}
		return status, nil
	default:
		return JobStatus{State: StateRunning}, nil
	}
}

func (g *HTTPGateway) RetriggerExport(ctx context.Context, exportJobID string) error {
	return g.do(ctx, g.export, "retrigger_export", http.MethodPost, "/api/v1/projects/"+url.PathEscape(exportJobID)+"/export", struct{}{}, nil)
}

type postCreateRequest struct {
	Content    string          `json:"content"`
	Platforms  []postPlatform  `json:"platforms"`
	MediaItems []postMediaItem `json:"mediaItems"`
	PublishNow bool            `json:"publishNow"`
}

type postPlatform struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId,omitempty"`
}

type postMediaItem struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type postCreateResponse struct {
	ID     string `json:"id"`
	PostID string `json:"postId"`
	OID    string `json:"_id"`
	Post   *struct {
		OID string `json:"_id"`
	} `json:"post"`
}

func (r postCreateResponse) resultID() string {
	if r.Post != nil && r.Post.OID != "" {
		return r.Post.OID
	}
	for _, id := range []string{r.ID, r.PostID, r.OID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (g *HTTPGateway) DispatchPost(ctx context.Context, req PostRequest) (string, error) {
	const op = "dispatch_post"
	if err := req.Validate(); err != nil {
		return "", invalid(ServicePost, op, err)
	}

	payload := postCreateRequest{
		Content:    req.Caption,
		MediaItems: []postMediaItem{{Type: "video", URL: req.FinalAssetURL}},
		PublishNow: true,
	}
	for _, p := range req.Platforms {
		payload.Platforms = append(payload.Platforms, postPlatform{Platform: p, AccountID: req.ProfileID})
	}

	var resp postCreateResponse
	if err := g.do(ctx, g.post, op, http.MethodPost, "/api/v1/posts", payload, &resp); err != nil {
		return "", err
	}
	id := resp.resultID()
	if id == "" {
		return "", &Error{Service: ServicePost, Op: op, Kind: KindServer, Err: errors.New("response did not include a post id")}
	}
	return id, nil
}
