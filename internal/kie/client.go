// Package kie adapts the KIE jobs API (createTask / recordInfo) to provider.Provider.
package kie

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/provider"
)

const Name = "kie"

const (
	modelFluxText    = "flux-2/pro-text-to-image"
	modelFluxImage   = "flux-2/pro-image-to-image"
	modelNanoBanana  = "nano-banana-pro"
	modelKlingText   = "kling-2.6/text-to-video"
	modelKlingImage  = "kling-2.6/image-to-video"
	modelTopaz       = "topaz/image-upscale"
	modelElevenLabs  = "elevenlabs/text-to-speech-multilingual-v2"
	defaultVoice     = "Rachel"
	defaultUpscale   = 2
	defaultAspect    = "1:1"
	defaultImageRes  = "1K"
	defaultVideoSecs = 5
)

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
	switch kind {
	case models.KindImageFromText, models.KindImageFromImage,
		models.KindVideoFromText, models.KindVideoFromImage,
		models.KindImageUpscale, models.KindAudioFromText:
		return true
	}
	return false
}

// Submit creates a KIE task and returns its taskId as the handle.
func (c *Client) Submit(ctx context.Context, kind models.GenerationKind, in provider.Inputs) (provider.Submission, error) {
	model, input, err := buildInput(kind, in)
	if err != nil {
		return provider.Submission{}, err
	}

	payload := map[string]any{"model": model, "input": input}
	c.log.Info().Str("model", model).Str("kind", string(kind)).Msg("creating KIE task")

	raw, err := provider.Call(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/v1/jobs/createTask", c.apiKey, payload)
	if err != nil {
		c.log.Error().Err(err).Str("model", model).Msg("KIE create task failed")
		return provider.Submission{}, err
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &createResp); err != nil {
		return provider.Submission{}, fmt.Errorf("%w: decode create task response: %w (body=%s)", provider.ErrProviderUnavailable, err, provider.TruncateBody(raw))
	}
	if err := provider.ClassifyCode(createResp.Code, createResp.Msg); err != nil {
		return provider.Submission{}, fmt.Errorf("create task: %w", err)
	}
	if createResp.Data.TaskID == "" {
		return provider.Submission{}, fmt.Errorf("%w: empty taskId in response", provider.ErrProviderUnavailable)
	}

	c.log.Info().Str("task_id", createResp.Data.TaskID).Msg("KIE task created")
	return provider.Submission{Handle: createResp.Data.TaskID, Model: model}, nil
}

// CheckStatus reads the task record once.
func (c *Client) CheckStatus(ctx context.Context, handle string) (provider.Status, error) {
	params := url.Values{}
	params.Set("taskId", handle)
	endpoint := c.baseURL + "/api/v1/jobs/recordInfo?" + params.Encode()

	raw, err := provider.Call(ctx, c.httpClient, http.MethodGet, endpoint, c.apiKey, nil)
	if err != nil {
		return provider.Status{}, err
	}

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID     string `json:"taskId"`
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &statusResp); err != nil {
		return provider.Status{}, fmt.Errorf("%w: decode status response: %w (body=%s)", provider.ErrProviderUnavailable, err, provider.TruncateBody(raw))
	}
	if err := provider.ClassifyCode(statusResp.Code, statusResp.Msg); err != nil {
		return provider.Status{}, fmt.Errorf("get task status: %w", err)
	}

	switch state := statusResp.Data.State; state {
	case "success":
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if statusResp.Data.ResultJSON != "" {
			if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
				return provider.Status{}, fmt.Errorf("%w: parse resultJson: %w", provider.ErrProviderUnavailable, err)
			}
		}
		if len(result.ResultURLs) == 0 {
			return provider.Status{State: provider.StateFailed, Error: "provider returned no outputs"}, nil
		}
		return provider.Status{State: provider.StateSucceeded, Outputs: result.ResultURLs}, nil
	case "fail":
		msg := statusResp.Data.FailMsg
		if msg == "" {
			msg = "unknown error"
		}
		if statusResp.Data.FailCode != "" {
			msg = fmt.Sprintf("%s (code: %s)", msg, statusResp.Data.FailCode)
		}
		c.log.Warn().Str("task_id", handle).Str("fail_msg", msg).Msg("KIE task failed")
		return provider.Status{State: provider.StateFailed, Error: msg}, nil
	case "waiting", "queuing", "queued", "queueing", "generating", "processing":
		return provider.Status{State: provider.StatePending}, nil
	default:
		return provider.Status{}, fmt.Errorf("%w: unknown task state %q", provider.ErrProviderUnavailable, state)
	}
}

func buildInput(kind models.GenerationKind, in provider.Inputs) (string, map[string]any, error) {
	switch kind {
	case models.KindImageFromText, models.KindImageFromImage:
		if kind == models.KindImageFromImage && len(in.ImageURLs) == 0 {
			return "", nil, fmt.Errorf("%w: %s requires an input image", provider.ErrProviderRejected, kind)
		}
		input := map[string]any{
			"prompt":       in.Prompt,
			"aspect_ratio": orDefault(in.AspectRatio, defaultAspect),
			"resolution":   orDefault(in.Resolution, defaultImageRes),
		}
		if in.Model == modelNanoBanana {
			input["output_format"] = "png"
			if len(in.ImageURLs) > 0 {
				input["image_input"] = in.ImageURLs
			}
			return modelNanoBanana, input, nil
		}
		if len(in.ImageURLs) > 0 {
			input["input_urls"] = in.ImageURLs
			return modelFluxImage, input, nil
		}
		return modelFluxText, input, nil

	case models.KindVideoFromText, models.KindVideoFromImage:
		duration := in.DurationSeconds
		if duration <= 0 {
			duration = defaultVideoSecs
		}
		input := map[string]any{
			"prompt":       in.Prompt,
			"duration":     strconv.Itoa(duration),
			"aspect_ratio": orDefault(in.AspectRatio, "16:9"),
		}
		if kind == models.KindVideoFromText {
			return modelKlingText, input, nil
		}
		if len(in.ImageURLs) == 0 {
			return "", nil, fmt.Errorf("%w: %s requires an input image", provider.ErrProviderRejected, kind)
		}
		input["image_urls"] = in.ImageURLs
		return modelKlingImage, input, nil

	case models.KindImageUpscale:
		if len(in.ImageURLs) == 0 {
			return "", nil, fmt.Errorf("%w: upscale requires an input image", provider.ErrProviderRejected)
		}
		factor := in.UpscaleFactor
		if factor <= 0 {
			factor = defaultUpscale
		}
		return modelTopaz, map[string]any{
			"image_url":      in.ImageURLs[0],
			"upscale_factor": strconv.Itoa(factor),
		}, nil

	case models.KindAudioFromText:
		return modelElevenLabs, map[string]any{
			"text":  in.Prompt,
			"voice": orDefault(in.Voice, defaultVoice),
		}, nil
	}
	return "", nil, fmt.Errorf("%w: kind %s is not supported by %s", provider.ErrProviderRejected, kind, Name)
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
