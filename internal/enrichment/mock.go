package enrichment

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

type mockEnricher struct{}

func NewMockEnricher() Enricher { return &mockEnricher{} }

func (m *mockEnricher) Enrich(ctx context.Context, text string) (protocol.EnrichmentResult, error) {
	select {
	case <-ctx.Done():
		return protocol.EnrichmentResult{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	text = strings.TrimSpace(text)
	return protocol.EnrichmentResult{
		Terms: []protocol.Term{{Word: text, Mean: "[mock gloss]"}},
		Notes: "[mock note for " + text + "]",
	}, nil
}
