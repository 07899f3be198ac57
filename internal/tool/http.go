package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"noetl.io/noetl/internal/noetlerr"
)

// HTTP runs a step's HTTP request. Grounded on executor/http_executor.go's
// NewRequestWithContext/Do/ReadAll shape, generalized from the teacher's
// Schema.org-action-type-to-method mapping to an explicit `method` config
// field (§6 tool kind `http`), and from a fixed bearer-less client to one
// that applies resolved `auth` aliases as headers.
type HTTP struct {
	Client *http.Client
}

// NewHTTP builds an HTTP tool with a bounded default timeout, matching
// the teacher's NewHTTPExecutor default.
func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) Kind() string { return "http" }

func (h *HTTP) Run(ctx context.Context, req Request) (Outcome, error) {
	url, _ := req.Config["url"].(string)
	if url == "" {
		return Outcome{}, noetlerr.Validation("http: config.url is required")
	}
	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if text, ok := req.Config["body"].(string); ok && text != "" {
		body = strings.NewReader(text)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return Outcome{}, noetlerr.Validation(fmt.Sprintf("http: building request: %v", err))
	}

	if contentType, ok := req.Config["content_type"].(string); ok && contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	} else if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}
	applyAuth(httpReq, req.Auth)

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("http: request failed: %v", err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{Retryable: true}, noetlerr.TransientInfra(fmt.Sprintf("http: reading response: %v", err), err)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"body":         string(respBody),
		"content_type": resp.Header.Get("Content-Type"),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Outcome{Result: result}, nil
	}

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return Outcome{Result: result, Retryable: retryable},
		noetlerr.Tool(fmt.Sprintf("http: request returned status %d", resp.StatusCode), nil)
}

// applyAuth maps each resolved auth alias onto the request using the
// credential type conventions §6 defines (bearer -> Authorization:
// Bearer, basic -> Authorization: Basic via BasicAuth, api_key -> a named
// header, header -> a raw named header).
func applyAuth(req *http.Request, aliases map[string]Auth) {
	for _, auth := range aliases {
		switch auth.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+auth.Fields["token"])
		case "basic":
			req.SetBasicAuth(auth.Fields["username"], auth.Fields["password"])
		case "api_key":
			req.Header.Set(auth.Fields["header"], auth.Fields["value"])
		case "header":
			req.Header.Set(auth.Fields["name"], auth.Fields["value"])
		}
	}
}
