package notebook

import (
	"sync"

	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

// Notebook is the shared transcript state: closed sentences, the open
// buffer, and merged enrichment. Every mutation is applied under one lock so
// readers never see a half-applied merge.
type Notebook struct {
	mu        sync.RWMutex
	sessionID string
	recording bool
	history   []string
	current   string
	terms     []protocol.Term
	notes     string
}

type Snapshot struct {
	SessionID string          `json:"session_id,omitempty"`
	Recording bool            `json:"recording"`
	History   []string        `json:"history"`
	Current   string          `json:"current"`
	Terms     []protocol.Term `json:"terms"`
	Notes     string          `json:"notes"`
}

func New() *Notebook {
	return &Notebook{}
}

func (n *Notebook) SetRecording(sessionID string, recording bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessionID = sessionID
	n.recording = recording
}

func (n *Notebook) SetCurrent(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = text
}

func (n *Notebook) ClearCurrent() { n.SetCurrent("") }

// CloseSentence appends text to the history, resets the open buffer and
// returns the sentence's index.
func (n *Notebook) CloseSentence(text string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, text)
	n.current = ""
	return len(n.history) - 1
}

// MergeEnrichment prepends the result's terms and notes. Empty parts leave
// the existing state as it is.
func (n *Notebook) MergeEnrichment(result protocol.EnrichmentResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(result.Terms) > 0 {
		merged := make([]protocol.Term, 0, len(result.Terms)+len(n.terms))
		merged = append(merged, result.Terms...)
		n.terms = append(merged, n.terms...)
	}
	if result.Notes != "" {
		if n.notes == "" {
			n.notes = result.Notes
		} else {
			n.notes = result.Notes + "\n" + n.notes
		}
	}
}

func (n *Notebook) Recording() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.recording
}

func (n *Notebook) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Snapshot{
		SessionID: n.sessionID,
		Recording: n.recording,
		History:   append([]string{}, n.history...),
		Current:   n.current,
		Terms:     append([]protocol.Term{}, n.terms...),
		Notes:     n.notes,
	}
}
