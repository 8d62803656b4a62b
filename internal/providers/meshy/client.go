package meshy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"forge3d/internal/infra"
)

// ErrMissingAPIKey indicates that no credentials could be resolved for a call.
var ErrMissingAPIKey = errors.New("meshy: api key is required")

const (
	defaultBaseURL       = "https://api.meshy.ai/openapi/v2"
	defaultArtStyle      = "realistic"
	defaultSubmitTimeout = 60 * time.Second
	defaultStatusTimeout = 30 * time.Second
	maxErrorBody         = 4 << 10
)

// KeySource resolves the provider API key at call time.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// Options configures the Meshy text-to-3D client.
type Options struct {
	APIKey            string
	Credentials       KeySource
	BaseURL           string
	ArtStyle          string
	EnablePBR         bool
	HTTPClient        *http.Client
	Logger            *infra.Logger
	SubmitTimeout     time.Duration
	StatusTimeout     time.Duration
	RequestsPerSecond float64
}

// Client performs HTTP calls to the Meshy text-to-3D API.
type Client struct {
	apiKey        string
	credentials   KeySource
	baseURL       string
	artStyle      string
	enablePBR     bool
	httpClient    *http.Client
	logger        infra.Logger
	submitTimeout time.Duration
	statusTimeout time.Duration
	limiter       *rate.Limiter
}

type submitRequest struct {
	Mode          string `json:"mode"`
	Prompt        string `json:"prompt,omitempty"`
	ArtStyle      string `json:"art_style,omitempty"`
	PreviewTaskID string `json:"preview_task_id,omitempty"`
	EnablePBR     *bool  `json:"enable_pbr,omitempty"`
}

type submitResponse struct {
	Result string `json:"result"`
}

type statusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ModelURLs struct {
		GLB  string `json:"glb"`
		FBX  string `json:"fbx"`
		OBJ  string `json:"obj"`
		USDZ string `json:"usdz"`
	} `json:"model_urls"`
	TaskError struct {
		Message string `json:"message"`
	} `json:"task_error"`
	PrecedingTasks *int `json:"preceding_tasks"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// NewClient constructs a client with defaults for every unset option.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	artStyle := strings.TrimSpace(opts.ArtStyle)
	if artStyle == "" {
		artStyle = defaultArtStyle
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	statusTimeout := opts.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = defaultStatusTimeout
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		apiKey:        strings.TrimSpace(opts.APIKey),
		credentials:   opts.Credentials,
		baseURL:       baseURL,
		artStyle:      artStyle,
		enablePBR:     opts.EnablePBR,
		httpClient:    httpClient,
		logger:        infra.LoggerOrDiscard(opts.Logger),
		submitTimeout: submitTimeout,
		statusTimeout: statusTimeout,
		limiter:       rate.NewLimiter(limit, burst),
	}
}

// Configured reports whether a key is set up. Callers use it to choose
// between the real provider and the offline mock path. A failed lookup is
// returned as an error and must not be taken to mean "no key".
func (c *Client) Configured(ctx context.Context) (bool, error) {
	_, err := c.resolveKey(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrMissingAPIKey):
		return false, nil
	default:
		return false, fmt.Errorf("meshy: resolve api key: %w", err)
	}
}

func (c *Client) resolveKey(ctx context.Context) (string, error) {
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	if c.credentials == nil {
		return "", ErrMissingAPIKey
	}
	key, err := c.credentials.APIKey(ctx)
	if err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingAPIKey
	}
	return key, nil
}

// SubmitCreate starts a preview generation for prompt and returns the
// provider task id.
func (c *Client) SubmitCreate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &ProviderError{Op: OpSubmitCreate, Err: errors.New("prompt is required")}
	}
	return c.submit(ctx, OpSubmitCreate, submitRequest{
		Mode:     "preview",
		Prompt:   prompt,
		ArtStyle: c.artStyle,
	})
}

// SubmitRefine starts a refinement of a finished preview task.
func (c *Client) SubmitRefine(ctx context.Context, previewTaskID string) (string, error) {
	previewTaskID = strings.TrimSpace(previewTaskID)
	if previewTaskID == "" {
		return "", &ProviderError{Op: OpSubmitRefine, Err: errors.New("preview task id is required")}
	}
	pbr := c.enablePBR
	return c.submit(ctx, OpSubmitRefine, submitRequest{
		Mode:          "refine",
		PreviewTaskID: previewTaskID,
		EnablePBR:     &pbr,
	})
}

func (c *Client) submit(ctx context.Context, op string, payload submitRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ProviderError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}
	raw, err := c.do(ctx, op, http.MethodPost, c.baseURL+"/text-to-3d", body)
	if err != nil {
		return "", err
	}
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &ProviderError{Op: op, Body: truncate(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	taskID := strings.TrimSpace(decoded.Result)
	if taskID == "" {
		return "", &ProviderError{Op: op, Body: truncate(raw), Err: errors.New("empty task id")}
	}
	c.logger.Debug().
		Str("op", op).
		Str("task_id", taskID).
		Str("mode", payload.Mode).
		Msg("meshy: task submitted")
	return taskID, nil
}

// GetStatus fetches the current state of a provider task.
func (c *Client) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskStatus{}, &ProviderError{Op: OpGetStatus, Err: errors.New("task id is required")}
	}
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	raw, err := c.do(ctx, OpGetStatus, http.MethodGet, c.baseURL+"/text-to-3d/"+url.PathEscape(taskID), nil)
	if err != nil {
		return TaskStatus{}, err
	}
	var decoded statusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return TaskStatus{}, &ProviderError{Op: OpGetStatus, Body: truncate(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	status := TaskStatus{
		Status:         ParseStatus(decoded.Status),
		ModelURL:       firstModelURL(decoded),
		Progress:       clampProgress(decoded.Progress),
		Error:          strings.TrimSpace(decoded.TaskError.Message),
		PrecedingTasks: decoded.PrecedingTasks,
	}
	if status.Status == StatusSucceeded {
		status.Progress = 100
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte) ([]byte, error) {
	key, err := c.resolveKey(ctx)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Op: op, Err: fmt.Errorf("pacing: %w", err)}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: truncate(raw)}
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			perr.Err = errors.New(detail.Message)
		}
		c.logger.Warn().
			Str("op", op).
			Int("status_code", resp.StatusCode).
			Msg("meshy: non-2xx response")
		return nil, perr
	}
	return raw, nil
}

func firstModelURL(resp statusResponse) string {
	for _, candidate := range []string{resp.ModelURLs.GLB, resp.ModelURLs.FBX, resp.ModelURLs.OBJ, resp.ModelURLs.USDZ} {
		if u := strings.TrimSpace(candidate); u != "" {
			return u
		}
	}
	return ""
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
