package generator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoArtifact means a completion contained no fenced code block.
	ErrNoArtifact = errors.New("no Verilog code block in completion")

	// ErrAnalysisShape means an analysis reply was not a single JSON object.
	ErrAnalysisShape = errors.New("analysis reply is not a JSON object")
)

// ValidationError is a malformed structured reply to one of the analysis questions.
type ValidationError struct {
	Field string
	Raw   string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s reply: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
