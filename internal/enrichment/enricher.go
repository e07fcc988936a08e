package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-notepad/internal/config"
	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

// Enricher extracts glossary terms and interpreter notes from one sentence.
type Enricher interface {
	Enrich(ctx context.Context, text string) (protocol.EnrichmentResult, error)
}

// Error reports a failed enrichment round-trip: transport, status or decode.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("enrichment %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the backend selected by cfg.Mode.
func New(cfg config.EnrichmentConfig) (Enricher, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEnricher(), nil
	case "openai":
		return NewOpenAIEnricher(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "http":
		return NewHTTPEnricher(cfg.Endpoint, nil), nil
	case "exec":
		enricher, err := NewExecEnricher(cfg.Command)
		if err != nil {
			return nil, err
		}
		return enricher, nil
	default:
		return nil, fmt.Errorf("unknown enrichment mode %q", cfg.Mode)
	}
}

// decodeResult parses a {terms, notes} object, tolerating a surrounding
// markdown code fence.
func decodeResult(raw string) (protocol.EnrichmentResult, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = ""
		}
		body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
	}
	if body == "" {
		return protocol.EnrichmentResult{}, fmt.Errorf("empty body")
	}

	var result protocol.EnrichmentResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return protocol.EnrichmentResult{}, err
	}
	return result, nil
}
