package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ExecEnricher runs a local command per sentence. The command reads
// {"text": ...} on stdin and writes {"terms": [...], "notes": "..."} to stdout.
type ExecEnricher struct {
	cmd []string
}

func NewExecEnricher(command string) (*ExecEnricher, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse enrichment command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("enrichment command empty")
	}
	return &ExecEnricher{cmd: args}, nil
}

func (e *ExecEnricher) Enrich(ctx context.Context, text string) (protocol.EnrichmentResult, error) {
	input, err := json.Marshal(protocol.EnrichmentRequest{Text: text})
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "exec", Op: "encode", Err: err}
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "exec", Op: "run", Err: err}
	}

	result, err := decodeResult(string(output))
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "exec", Op: "decode", Err: err}
	}
	return result, nil
}
