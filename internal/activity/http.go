package activity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lyzr/flowengine/internal/jsonvalue"
)

// HTTPRequest is the Call{HTTP} task's resolved request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    jsonvalue.Value
}

// HTTPResponse is the raw response handed back to the interpreter, which
// shapes it per the task's Output hint (raw/content/response).
type HTTPResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// HTTPCaller issues the Call{HTTP} task's request. Unlike gRPC/AsyncAPI,
// HTTP is implemented concretely against net/http: the task body carries
// enough detail (method/url/headers/body, output hint, non-2xx handling)
// to execute directly rather than leave as a contract.
type HTTPCaller interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// StdHTTPCaller is the default HTTPCaller, a thin net/http.Client wrapper.
type StdHTTPCaller struct {
	Client *http.Client
}

// NewStdHTTPCaller builds a caller with a 30s request timeout.
func NewStdHTTPCaller() *StdHTTPCaller {
	return &StdHTTPCaller{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *StdHTTPCaller) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyBytes []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyBytes = b
	}

	reqURL, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(bodyBytes) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &HTTPResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: respBody}, nil
}

func buildURL(base string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ShapeOutput renders an HTTPResponse per the DSL's output hint.
func ShapeOutput(hint string, resp *HTTPResponse) jsonvalue.Value {
	switch hint {
	case "raw":
		return base64.StdEncoding.EncodeToString(resp.Body)
	case "response":
		headers := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		return map[string]any{
			"statusCode": resp.StatusCode,
			"headers":    headers,
			"content":    parseBody(resp.Body),
		}
	default: // "content" is the default shape
		return parseBody(resp.Body)
	}
}

func parseBody(body []byte) jsonvalue.Value {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}
