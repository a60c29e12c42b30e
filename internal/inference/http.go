package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend posts invocation requests to an inference service. The
// service reads the input object, writes its output object, and, when it
// answers 202, later writes its result under the results prefix.
type HTTPBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend creates a backend client for the given endpoint.
func NewHTTPBackend(url string) *HTTPBackend {
	return &HTTPBackend{
		url: url,
		// Generous timeout: this covers request handoff, not processing.
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type invokeRequest struct {
	InputLocation  string `json:"input_location"`
	OutputLocation string `json:"output_location"`
	Mode           string `json:"mode"`
}

func (b *HTTPBackend) Invoke(ctx context.Context, inputLocation, outputLocation, mode string) (Invocation, error) {
	body, err := json.Marshal(invokeRequest{
		InputLocation:  inputLocation,
		OutputLocation: outputLocation,
		Mode:           mode,
	})
	if err != nil {
		return Invocation{}, fmt.Errorf("marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return Invocation{}, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Invocation{}, fmt.Errorf("invoke %s: %w", inputLocation, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Invocation{Async: false}, nil
	case http.StatusAccepted:
		return Invocation{Async: true}, nil
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Invocation{}, fmt.Errorf("invoke %s: backend returned %d: %s",
			inputLocation, resp.StatusCode, bytes.TrimSpace(detail))
	}
}

var _ Backend = (*HTTPBackend)(nil)
