package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/oauth2"

	"github.com/Cypherspark/linkedin-dispatch/internal/core"
	"github.com/Cypherspark/linkedin-dispatch/internal/metrics"
)

const (
	DefaultAPIBase   = "https://api.linkedin.com"
	DefaultUserAgent = "Mozilla/5.0 (compatible; linkedin-dispatch/1.0)"

	imageRecipe   = "urn:li:digitalmediaRecipe:feedshare-image"
	uploadMechKey = "com.linkedin.digitalmedia.uploadMechanism.MediaUploadHttpRequest"
	maxImageBytes = 10 << 20
	maxBodyBytes  = 1 << 20
)

// PostURL is the public view URL of a share.
func PostURL(postID string) string {
	return "https://www.linkedin.com/feed/update/" + postID + "/"
}

type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type LinkedInOptions struct {
	APIBase string
	// Timeout bounds each authenticated call.
	Timeout time.Duration
	// ImageTimeout bounds the unauthenticated image download.
	ImageTimeout time.Duration
	// ImageBudget caps the whole media phase, retries included. Defaults to
	// Timeout + ImageTimeout.
	ImageBudget time.Duration
	UserAgent   string
	HTTPClient  *http.Client
	Retry       RetryOptions
	Logger      *slog.Logger
}

// LinkedIn publishes through the UGC posts API. Media steps (register,
// fetch, upload) are idempotent and retried; the share itself is sent once
// per attempt so a slow success is never duplicated.
type LinkedIn struct {
	base      string
	timeout   time.Duration
	imgTime   time.Duration
	imgBudget time.Duration
	userAgent string
	http      *http.Client
	steps     failsafe.Executor[[]byte]
	logger    *slog.Logger
}

func NewLinkedIn(opts LinkedInOptions) *LinkedIn {
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = 10 * time.Second
	}
	if opts.ImageBudget <= 0 {
		opts.ImageBudget = opts.Timeout + opts.ImageTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Retry == (RetryOptions{}) {
		opts.Retry.MaxRetries = 2
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = 200 * time.Millisecond
	}
	if opts.Retry.MaxDelay < opts.Retry.BaseDelay {
		opts.Retry.MaxDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	policy := retrypolicy.NewBuilder[[]byte]().
		WithBackoff(opts.Retry.BaseDelay, opts.Retry.MaxDelay).
		WithMaxRetries(opts.Retry.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool { return retryable(err) }).
		Build()

	return &LinkedIn{
		base:      strings.TrimRight(opts.APIBase, "/"),
		timeout:   opts.Timeout,
		imgTime:   opts.ImageTimeout,
		imgBudget: opts.ImageBudget,
		userAgent: opts.UserAgent,
		http:      opts.HTTPClient,
		steps:     failsafe.With(policy),
		logger:    opts.Logger,
	}
}

// Budget is the longest a Publish call can run before its share has had
// the full per-call timeout.
func (l *LinkedIn) Budget() time.Duration {
	return 2*l.timeout + l.imgBudget
}

func token(cred core.Credential) *oauth2.Token {
	return &oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer", Expiry: cred.ExpiresAt}
}

// authClient attaches the credential's bearer token to every request.
func (l *LinkedIn) authClient(ctx context.Context, cred core.Credential) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, l.http)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token(cred)))
}

// do sends one request and returns the body of a 2xx response. Other
// statuses become *PublishError with a body snippet.
func (l *LinkedIn) do(client *http.Client, req *http.Request, op string, limit int64) ([]byte, http.Header, error) {
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.ObservePublisher(op, started, err)
		return nil, nil, &PublishError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = statusError(op, resp.StatusCode, body)
	} else if err != nil {
		err = &PublishError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	metrics.ObservePublisher(op, started, err)
	if err != nil {
		return nil, nil, err
	}
	return body, resp.Header, nil
}

// step runs an idempotent request builder under the retry policy.
func (l *LinkedIn) step(ctx context.Context, client *http.Client, op string, limit int64, timeout time.Duration,
	build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var last error
	body, err := l.steps.WithContext(ctx).Get(func() ([]byte, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := build(cctx)
		if err != nil {
			last = &PublishError{Op: op, Err: err}
			return nil, last
		}
		b, _, err := l.do(client, req, op, limit)
		last = err
		return b, err
	})
	if err != nil {
		if last != nil {
			return nil, last
		}
		return nil, &PublishError{Op: op, Err: err}
	}
	return body, nil
}

func jsonRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	return req, nil
}

// Validate checks the token against the userinfo endpoint and fills in the
// platform user id.
func (l *LinkedIn) Validate(ctx context.Context, cred core.Credential) (core.Credential, error) {
	if !token(cred).Valid() {
		return cred, classified(&PublishError{Op: OpUserInfo, Err: ErrTokenInvalid})
	}
	client := l.authClient(ctx, cred)
	body, err := l.step(ctx, client, OpUserInfo, maxBodyBytes, l.timeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, l.base+"/v2/userinfo", nil)
	})
	if err != nil {
		return cred, classified(err)
	}
	var info struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(body, &info); err != nil || info.Sub == "" {
		return cred, classified(&PublishError{Op: OpUserInfo, Err: errors.New("userinfo response has no subject")})
	}
	cred.PlatformUserID = info.Sub
	return cred, nil
}

func (l *LinkedIn) Publish(ctx context.Context, post Post, cred core.Credential) (Result, error) {
	if !token(cred).Valid() {
		return Result{}, classified(&PublishError{Op: OpPublish, Err: ErrTokenInvalid})
	}
	if cred.PlatformUserID == "" {
		vctx, cancel := context.WithTimeout(ctx, l.timeout)
		var err error
		cred, err = l.Validate(vctx, cred)
		cancel()
		if err != nil {
			return Result{}, err
		}
	}
	author := "urn:li:person:" + cred.PlatformUserID
	client := l.authClient(ctx, cred)

	var (
		asset    string
		degraded bool
	)
	if strings.TrimSpace(post.ImageURL) != "" {
		// A slow image host must not eat into the share's own timeout.
		ictx, cancel := context.WithTimeout(ctx, l.imgBudget)
		a, err := l.attachImage(ictx, client, author, post.ImageURL)
		cancel()
		if err != nil {
			degraded = true
			metrics.ImageDegraded.Inc()
			l.logger.WarnContext(ctx, "image upload failed, posting text only",
				"kind", core.KindImageUploadDegraded, "image_url", post.ImageURL, "error", err)
		}
		asset = a
	}

	id, err := l.share(ctx, client, author, post.Body, asset)
	if err != nil {
		return Result{}, classified(err)
	}
	return Result{PostID: id, URL: PostURL(id), ImageDegraded: degraded}, nil
}

type shareRequest struct {
	Author          string            `json:"author"`
	LifecycleState  string            `json:"lifecycleState"`
	SpecificContent map[string]any    `json:"specificContent"`
	Visibility      map[string]string `json:"visibility"`
}

func (l *LinkedIn) share(ctx context.Context, client *http.Client, author, text, asset string) (string, error) {
	content := map[string]any{
		"shareCommentary":    map[string]string{"text": text},
		"shareMediaCategory": "NONE",
	}
	if asset != "" {
		content["shareMediaCategory"] = "IMAGE"
		content["media"] = []map[string]string{{"status": "READY", "media": asset}}
	}
	payload := shareRequest{
		Author:          author,
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]any{"com.linkedin.ugc.ShareContent": content},
		Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	req, err := jsonRequest(cctx, http.MethodPost, l.base+"/v2/ugcPosts", payload)
	if err != nil {
		return "", &PublishError{Op: OpPublish, Err: err}
	}
	body, hdr, err := l.do(client, req, OpPublish, maxBodyBytes)
	if err != nil {
		return "", err
	}

	if id := hdr.Get("X-Restli-Id"); id != "" {
		return id, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", &PublishError{Op: OpPublish, Err: fmt.Errorf("response carries no post id")}
	}
	return out.ID, nil
}

type registerResponse struct {
	Value struct {
		Asset           string `json:"asset"`
		UploadMechanism map[string]struct {
			UploadURL string `json:"uploadUrl"`
		} `json:"uploadMechanism"`
	} `json:"value"`
}

// attachImage runs register, fetch and upload, returning the asset URN.
func (l *LinkedIn) attachImage(ctx context.Context, client *http.Client, author, imageURL string) (string, error) {
	payload := map[string]any{
		"registerUploadRequest": map[string]any{
			"recipes": []string{imageRecipe},
			"owner":   author,
			"serviceRelationships": []map[string]string{{
				"relationshipType": "OWNER",
				"identifier":       "urn:li:userGeneratedContent",
			}},
		},
	}
	body, err := l.step(ctx, client, OpRegister, maxBodyBytes, l.timeout, func(ctx context.Context) (*http.Request, error) {
		return jsonRequest(ctx, http.MethodPost, l.base+"/v2/assets?action=registerUpload", payload)
	})
	if err != nil {
		return "", err
	}
	var reg registerResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		return "", &PublishError{Op: OpRegister, Err: err}
	}
	uploadURL := reg.Value.UploadMechanism[uploadMechKey].UploadURL
	if uploadURL == "" || reg.Value.Asset == "" {
		return "", &PublishError{Op: OpRegister, Err: errors.New("register response has no upload url or asset")}
	}

	// The image host is not LinkedIn, so the bearer token stays off this request.
	img, err := l.step(ctx, l.http, OpFetch, maxImageBytes, l.imgTime, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", l.userAgent)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if len(img) == 0 {
		return "", &PublishError{Op: OpFetch, Err: errors.New("image is empty")}
	}

	_, err = l.step(ctx, client, OpUpload, maxBodyBytes, l.timeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(img))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	return reg.Value.Asset, nil
}
