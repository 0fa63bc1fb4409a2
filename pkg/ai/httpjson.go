package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// endpoint is one provider base URL plus the way it reports errors.
type endpoint struct {
	provider string
	baseURL  string
	header   http.Header
	client   *http.Client
	// errMessage extracts a human message from an error body; "" falls back
	// to the HTTP status line.
	errMessage func(body []byte) string
}

// postJSON sends payload to path and decodes a 2xx body into out (nil skips
// decoding). Non-2xx responses become *APIError.
func (e endpoint) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s encode: %w", e.provider, err)
	}
	return e.post(ctx, path, "application/json", bytes.NewReader(body), out)
}

func (e endpoint) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, vs := range e.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", e.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := ""
		if e.errMessage != nil {
			msg = e.errMessage(raw)
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Provider: e.provider, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", e.provider, err)
	}
	return nil
}
