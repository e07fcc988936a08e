package protocol

import "time"

// TranscriptEvent is one recognition update for the current sentence.
type TranscriptEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Term is a glossary entry extracted from a sentence.
type Term struct {
	Word string `json:"word"`
	Mean string `json:"mean"`
}

// EnrichmentRequest is the body sent to the enrichment collaborator.
type EnrichmentRequest struct {
	Text string `json:"text"`
}

// EnrichmentResult is the structured answer for one closed sentence.
type EnrichmentResult struct {
	Terms []Term `json:"terms"`
	Notes string `json:"notes"`
}

// PartialTranscript is broadcast whenever the open sentence is revised.
type PartialTranscript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SentenceClosed is broadcast when a sentence is committed to history.
type SentenceClosed struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// EnrichmentMerged is broadcast after a result has been merged into the notebook.
type EnrichmentMerged struct {
	SessionID string    `json:"session_id"`
	Sentence  string    `json:"sentence"`
	Terms     []Term    `json:"terms,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState reports recording transitions, including transport failures.
type SessionState struct {
	SessionID string    `json:"session_id"`
	Recording bool      `json:"recording"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlReply answers a start or stop request sent over the bus.
type ControlReply struct {
	SessionID string `json:"session_id,omitempty"`
	Recording bool   `json:"recording"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectControlStart      = "notepad.control.start"
	SubjectControlStop       = "notepad.control.stop"
	SubjectTranscriptPartial = "notepad.transcript.partial"
	SubjectSentenceClosed    = "notepad.sentence.closed"
	SubjectEnrichmentMerged  = "notepad.enrichment.result"
	SubjectSessionState      = "notepad.session.state"
)
