package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

const maxResponseBytes = 1 << 20

// HTTPEnricher posts {"text": ...} to a collaborator that answers with
// {"terms": [...], "notes": "..."}.
type HTTPEnricher struct {
	endpoint string
	client   *http.Client
}

func NewHTTPEnricher(endpoint string, client *http.Client) *HTTPEnricher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEnricher{endpoint: endpoint, client: client}
}

func (e *HTTPEnricher) Enrich(ctx context.Context, text string) (protocol.EnrichmentResult, error) {
	body, err := json.Marshal(protocol.EnrichmentRequest{Text: text})
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "http", Op: "encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "http", Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "http", Op: "request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "http", Op: "read", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.EnrichmentResult{}, &Error{Backend: "http", Op: "status", Err: fmt.Errorf("collaborator returned %s", resp.Status)}
	}
	result, err := decodeResult(string(data))
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "http", Op: "decode", Err: err}
	}
	return result, nil
}
