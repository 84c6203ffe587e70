package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forkline/automation/pkg/schema"
)

// HTTPConfig configures the call_api action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 4 * 1024 * 1024 // 4MB
	defaultHTTPTimeout     = 30 * time.Second
)

// callAPIAction implements the "call_api" action: a generic HTTP request to
// an external service (delivery platform, POS integration, webhook target).
type callAPIAction struct {
	config HTTPConfig
	client *http.Client
}

func newCallAPIAction(cfg HTTPConfig) *callAPIAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &callAPIAction{
		config: cfg,
		client: &http.Client{},
	}
}

func (a *callAPIAction) Name() string { return "call_api" }

func (a *callAPIAction) Execute(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "call_api: missing 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "call_api: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, parseErr := time.ParseDuration(ts); parseErr == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body, ok := params["body"]; ok && body != nil {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "call_api: encode body: %s", marshalErr.Error()).WithCause(marshalErr)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "call_api: build request: %s", err.Error()).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "call_api: %s %s: %s", method, rawURL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "call_api: read response: %s", err.Error()).WithCause(err)
	}

	// Decode JSON responses; anything else passes through as a string.
	var decoded any
	if json.Unmarshal(raw, &decoded) != nil {
		decoded = string(raw)
	}

	data := map[string]any{
		"status_code": resp.StatusCode,
		"body":        decoded,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if resp.StatusCode >= 400 {
		return &Output{Data: data}, schema.NewErrorf(schema.ErrCodeActionFailed,
			"call_api: %s %s returned %d", method, rawURL, resp.StatusCode)
	}

	out := &Output{Data: data}
	if resultVar := stringParam(params, "result_variable", ""); resultVar != "" {
		out.Variables = map[string]any{resultVar: decoded}
	}
	return out, nil
}
