package kie

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/digkill/restyle/internal/config"
)

const maxResultBytes = 32 << 20

type Client struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	maxPolls     int
	log          *slog.Logger
}

// GenerateInput is one image-to-image request. SourceURL is preferred; when it
// is empty the image bytes are inlined as a data URI.
type GenerateInput struct {
	Image     []byte
	MimeType  string
	SourceURL string
	Prompt    string
}

type Image struct {
	URL   string
	Bytes []byte
	Mime  string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	limit := rate.Inf
	if cfg.ProviderRPS > 0 {
		limit = rate.Limit(cfg.ProviderRPS)
	}
	pollInterval := cfg.ProviderPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxPolls := cfg.ProviderMaxPolls
	if maxPolls <= 0 {
		maxPolls = 60
	}
	model := cfg.KIEModel
	if model == "" {
		model = "flux-2/pro-image-to-image"
	}

	return &Client{
		apiKey:       cfg.KIEAPIKey,
		baseURL:      strings.TrimRight(cfg.KIEBaseURL, "/"),
		model:        model,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, 1),
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
		log:          log,
	}
}

// Generate runs one task to completion and downloads the first result.
func (c *Client) Generate(ctx context.Context, in GenerateInput) (*Image, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, permanent("generate", "empty prompt")
	}
	inputURL := in.SourceURL
	if inputURL == "" {
		if len(in.Image) == 0 {
			return nil, permanent("generate", "no source image")
		}
		mime := in.MimeType
		if mime == "" {
			mime = http.DetectContentType(in.Image)
		}
		inputURL = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(in.Image)
	}

	payload := map[string]any{
		"model": c.model,
		"input": map[string]any{
			"prompt":       in.Prompt,
			"input_urls":   []string{inputURL},
			"aspect_ratio": "auto",
		},
	}

	taskID, err := c.createTask(ctx, payload)
	if err != nil {
		return nil, err
	}
	resultURL, err := c.pollTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, resultURL)
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	c.log.Info("creating KIE task", "model", c.model)
	rawBody, err := c.do(ctx, http.MethodPost, fullURL, body)
	if err != nil {
		return "", err
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", transient("create task", fmt.Sprintf("decode response: %v (body=%s)", err, truncateBody(rawBody)))
	}
	if createResp.Code != 200 {
		return "", &Error{Op: "create task", StatusCode: createResp.Code, Message: createResp.Msg, Permanent: permanentStatus(createResp.Code)}
	}
	if createResp.Data.TaskID == "" {
		return "", transient("create task", "empty taskId in response")
	}

	c.log.Info("KIE task created", "task_id", createResp.Data.TaskID)
	return createResp.Data.TaskID, nil
}

func (c *Client) pollTaskStatus(ctx context.Context, taskID string) (string, error) {
	params := url.Values{}
	params.Set("taskId", taskID)
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", params)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < c.maxPolls; attempt++ {
		rawBody, err := c.do(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return "", err
		}

		var statusResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				State      string `json:"state"`
				ResultJSON string `json:"resultJson"`
				FailCode   string `json:"failCode"`
				FailMsg    string `json:"failMsg"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rawBody, &statusResp); err != nil {
			return "", transient("poll task", fmt.Sprintf("decode response: %v (body=%s)", err, truncateBody(rawBody)))
		}
		if statusResp.Code != 200 {
			return "", &Error{Op: "poll task", StatusCode: statusResp.Code, Message: statusResp.Msg, Permanent: permanentStatus(statusResp.Code)}
		}

		switch statusResp.Data.State {
		case "success":
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
				return "", transient("poll task", fmt.Sprintf("parse resultJson: %v", err))
			}
			if len(result.ResultURLs) == 0 {
				return "", transient("poll task", "no resultUrls in result")
			}
			c.log.Info("KIE task completed", "task_id", taskID, "attempt", attempt+1)
			return result.ResultURLs[0], nil

		case "fail":
			msg := statusResp.Data.FailMsg
			if msg == "" {
				msg = "unknown error"
			}
			c.log.Warn("KIE task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", msg)
			// Validation and content-policy rejections come back with 4xx fail codes.
			return "", &Error{Op: "task", Code: statusResp.Data.FailCode, Message: msg, Permanent: strings.HasPrefix(statusResp.Data.FailCode, "4")}

		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt%10 == 0 {
				c.log.Debug("KIE task waiting", "task_id", taskID, "attempt", attempt+1, "max_polls", c.maxPolls)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}

		default:
			return "", transient("poll task", "unknown task state: "+statusResp.Data.State)
		}
	}
	return "", transient("poll task", fmt.Sprintf("task timeout after %d polls", c.maxPolls))
}

func (c *Client) download(ctx context.Context, resultURL string) (*Image, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient("download result", err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &Error{Op: "download result", StatusCode: resp.StatusCode, Message: resp.Status, Permanent: false}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, transient("download result", err.Error())
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return &Image{URL: resultURL, Bytes: data, Mime: mime}, nil
}

func (c *Client) do(ctx context.Context, method, fullURL string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transient(method+" kie", err.Error())
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(method+" kie", fmt.Sprintf("read response body: %v", err))
	}
	if resp.StatusCode >= 300 {
		c.log.Error("KIE request failed", "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		return nil, &Error{Op: method + " kie", StatusCode: resp.StatusCode, Message: truncateBody(rawBody), Permanent: permanentStatus(resp.StatusCode)}
	}
	return rawBody, nil
}

func (c *Client) endpoint(path string, params url.Values) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if params != nil {
		endpoint.RawQuery = params.Encode()
	}
	return baseURL.ResolveReference(endpoint).String(), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
