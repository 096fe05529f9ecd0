// Package wavespeed adapts the Wavespeed v3 predictions API to provider.Provider.
package wavespeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/provider"
)

const Name = "wavespeed"

// models keyed by kind; the value is the path under /api/v3/.
var modelPaths = map[models.GenerationKind]string{
	models.KindLipSync:        "wavespeed-ai/infinitetalk",
	models.KindImageReimagine: "wavespeed-ai/flux-kontext-pro",
	models.KindImageFromText:  "wavespeed-ai/flux-dev",
	models.KindImageFromImage: "wavespeed-ai/flux-kontext-pro",
	models.KindVideoFromImage: "wavespeed-ai/wan-2.2/i2v-480p",
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(apiKey, baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("provider", Name).Logger(),
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) Supports(kind models.GenerationKind) bool {
	_, ok := modelPaths[kind]
	return ok
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ID      string   `json:"id"`
		Status  string   `json:"status"`
		Outputs []string `json:"outputs"`
		Error   string   `json:"error"`
	} `json:"data"`
}

// Submit posts a prediction and returns its id as the handle.
func (c *Client) Submit(ctx context.Context, kind models.GenerationKind, in provider.Inputs) (provider.Submission, error) {
	model, ok := modelPaths[kind]
	if !ok {
		return provider.Submission{}, fmt.Errorf("%w: kind %s is not supported by %s", provider.ErrProviderRejected, kind, Name)
	}
	body, err := buildBody(kind, in)
	if err != nil {
		return provider.Submission{}, err
	}

	c.log.Info().Str("model", model).Str("kind", string(kind)).Msg("submitting wavespeed prediction")
	raw, err := provider.Call(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/v3/"+model, c.apiKey, body)
	if err != nil {
		c.log.Error().Err(err).Str("model", model).Msg("wavespeed submit failed")
		return provider.Submission{}, err
	}

	resp, err := decode(raw)
	if err != nil {
		return provider.Submission{}, err
	}
	if resp.Data.ID == "" {
		return provider.Submission{}, fmt.Errorf("%w: empty prediction id in response", provider.ErrProviderUnavailable)
	}
	return provider.Submission{Handle: resp.Data.ID, Model: model}, nil
}

func (c *Client) CheckStatus(ctx context.Context, handle string) (provider.Status, error) {
	endpoint := c.baseURL + "/api/v3/predictions/" + url.PathEscape(handle) + "/result"
	raw, err := provider.Call(ctx, c.httpClient, http.MethodGet, endpoint, c.apiKey, nil)
	if err != nil {
		return provider.Status{}, err
	}
	resp, err := decode(raw)
	if err != nil {
		return provider.Status{}, err
	}

	switch status := resp.Data.Status; status {
	case "created", "processing":
		return provider.Status{State: provider.StatePending}, nil
	case "completed":
		if len(resp.Data.Outputs) == 0 {
			return provider.Status{State: provider.StateFailed, Error: "provider returned no outputs"}, nil
		}
		return provider.Status{State: provider.StateSucceeded, Outputs: resp.Data.Outputs}, nil
	case "failed":
		msg := resp.Data.Error
		if msg == "" {
			msg = "unknown error"
		}
		return provider.Status{State: provider.StateFailed, Error: msg}, nil
	default:
		return provider.Status{}, fmt.Errorf("%w: unknown prediction status %q", provider.ErrProviderUnavailable, status)
	}
}

func decode(raw []byte) (envelope, error) {
	var resp envelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return envelope{}, fmt.Errorf("%w: decode response: %w (body=%s)", provider.ErrProviderUnavailable, err, provider.TruncateBody(raw))
	}
	if err := provider.ClassifyCode(resp.Code, resp.Message); err != nil {
		return envelope{}, err
	}
	return resp, nil
}

func buildBody(kind models.GenerationKind, in provider.Inputs) (map[string]any, error) {
	body := map[string]any{"prompt": in.Prompt}
	switch kind {
	case models.KindLipSync:
		if len(in.ImageURLs) == 0 || in.AudioURL == "" {
			return nil, fmt.Errorf("%w: lip-sync requires an image and an audio track", provider.ErrProviderRejected)
		}
		body["image"] = in.ImageURLs[0]
		body["audio"] = in.AudioURL
	case models.KindImageReimagine, models.KindImageFromImage, models.KindVideoFromImage:
		if len(in.ImageURLs) == 0 {
			return nil, fmt.Errorf("%w: %s requires an input image", provider.ErrProviderRejected, kind)
		}
		body["image"] = in.ImageURLs[0]
		if kind == models.KindVideoFromImage && in.DurationSeconds > 0 {
			body["duration"] = in.DurationSeconds
		}
	case models.KindImageFromText:
		if in.AspectRatio != "" {
			body["size"] = in.AspectRatio
		}
	}
	return body, nil
}
