package segmenter

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-notepad/internal/protocol"
)

// Policy selects which signals may close a sentence.
type Policy string

const (
	PolicyFinal       Policy = "final"
	PolicyPunctuation Policy = "punctuation"
	PolicyBoth        Policy = "both"
)

// Trigger names the signal that closed a sentence.
type Trigger string

const (
	TriggerNone        Trigger = ""
	TriggerFinal       Trigger = "final"
	TriggerPunctuation Trigger = "punctuation"
)

const terminators = "。？！.?!"

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFinal, PolicyPunctuation, PolicyBoth:
		return p, nil
	case "":
		return PolicyBoth, nil
	default:
		return "", fmt.Errorf("unknown segmenter policy %q", s)
	}
}

// Update is the outcome of applying one transcript event.
type Update struct {
	Current string  // open buffer after the event
	Closed  string  // closed sentence, empty when nothing closed
	Trigger Trigger // why Closed was emitted
}

func (u Update) HasClosed() bool { return u.Trigger != TriggerNone }

// Segmenter turns rolling transcript revisions into closed sentences. Each
// event replaces the open buffer. It is not safe for concurrent use.
type Segmenter struct {
	policy  Policy
	current string
}

func New(policy Policy) *Segmenter {
	if policy == "" {
		policy = PolicyBoth
	}
	return &Segmenter{policy: policy}
}

func (s *Segmenter) Apply(evt protocol.TranscriptEvent) Update {
	s.current = evt.Text
	trimmed := strings.TrimSpace(s.current)
	if trimmed == "" {
		return Update{Current: s.current}
	}

	trigger := TriggerNone
	switch {
	case evt.IsFinal && s.policy != PolicyPunctuation:
		trigger = TriggerFinal
	case endsWithTerminator(trimmed) && s.policy != PolicyFinal:
		trigger = TriggerPunctuation
	}
	if trigger == TriggerNone {
		return Update{Current: s.current}
	}

	closed := s.current
	s.current = ""
	return Update{Current: "", Closed: closed, Trigger: trigger}
}

// Current returns the open buffer.
func (s *Segmenter) Current() string { return s.current }

// Reset discards the open buffer without closing it.
func (s *Segmenter) Reset() { s.current = "" }

func endsWithTerminator(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	return r != utf8.RuneError && strings.ContainsRune(terminators, r)
}
