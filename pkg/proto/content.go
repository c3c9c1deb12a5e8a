package proto

import "fmt"

// Content is the payload of a message. The unexported accept method seals the set of
// implementations to this package.
type Content interface {
	Kind() Kind
	accept(m *Message, v Visitor)
}

// Visitor handles every content variant. Actors implement it to receive messages.
type Visitor interface {
	VisitDesignRequest(m *Message, c DesignRequest)
	VisitCodeArtifact(m *Message, c CodeArtifact)
	VisitDiagnostic(m *Message, c Diagnostic)
	VisitCodeFeedback(m *Message, c CodeFeedback)
	VisitExecutionResult(m *Message, c ExecutionResult)
	VisitExecutionSuccess(m *Message, c ExecutionSuccess)
	VisitExecutionFailed(m *Message, c ExecutionFailed)
	VisitGenerationFailed(m *Message, c GenerationFailed)
	VisitStop(m *Message, c Stop)
	VisitAgentStopped(m *Message, c AgentStopped)
}

// IgnoreVisitor implements Visitor with no-op methods. Actors embed it and override
// the kinds they handle.
type IgnoreVisitor struct{}

func (IgnoreVisitor) VisitDesignRequest(*Message, DesignRequest)       {}
func (IgnoreVisitor) VisitCodeArtifact(*Message, CodeArtifact)         {}
func (IgnoreVisitor) VisitDiagnostic(*Message, Diagnostic)             {}
func (IgnoreVisitor) VisitCodeFeedback(*Message, CodeFeedback)         {}
func (IgnoreVisitor) VisitExecutionResult(*Message, ExecutionResult)   {}
func (IgnoreVisitor) VisitExecutionSuccess(*Message, ExecutionSuccess) {}
func (IgnoreVisitor) VisitExecutionFailed(*Message, ExecutionFailed)   {}
func (IgnoreVisitor) VisitGenerationFailed(*Message, GenerationFailed) {}
func (IgnoreVisitor) VisitStop(*Message, Stop)                         {}
func (IgnoreVisitor) VisitAgentStopped(*Message, AgentStopped)         {}

// DesignRequest starts a run with the natural-language requirement.
type DesignRequest struct {
	Requirement string
}

func (DesignRequest) Kind() Kind                     { return KindDesignRequest }
func (c DesignRequest) accept(m *Message, v Visitor) { v.VisitDesignRequest(m, c) }

// CodeArtifact carries a candidate Verilog source.
type CodeArtifact struct {
	Code string
}

func (CodeArtifact) Kind() Kind                     { return KindCodeArtifact }
func (c CodeArtifact) accept(m *Message, v Visitor) { v.VisitCodeArtifact(m, c) }

// DiagnosticClass distinguishes the executor's error reports.
type DiagnosticClass string

const (
	ClassCompilation DiagnosticClass = "compilation"
	ClassRuntime     DiagnosticClass = "runtime"
	ClassTestFailure DiagnosticClass = "test_failure"
	ClassTimeout     DiagnosticClass = "timeout"
	ClassOther       DiagnosticClass = "other"
)

// Diagnostic is a compilation_error, runtime_error or test_failure report.
type Diagnostic struct {
	Class  DiagnosticClass
	Output string
}

// Kind maps the class onto its wire tag. Timeout and other have no dedicated tag and
// travel as runtime errors.
func (c Diagnostic) Kind() Kind {
	switch c.Class {
	case ClassCompilation:
		return KindCompilationError
	case ClassTestFailure:
		return KindTestFailure
	default:
		return KindRuntimeError
	}
}

func (c Diagnostic) accept(m *Message, v Visitor) { v.VisitDiagnostic(m, c) }

// CodeFeedback is the reviewer's structured verdict sent back to the generator.
type CodeFeedback struct {
	NeedsRevision bool   `json:"needs_revision"`
	ErrorCode     string `json:"error_code"`
	Line          int    `json:"line"`
	Feedback      string `json:"feedback,omitempty"`
	Suggestion    string `json:"suggestion,omitempty"`
}

func (CodeFeedback) Kind() Kind                     { return KindCodeFeedback }
func (c CodeFeedback) accept(m *Message, v Visitor) { v.VisitCodeFeedback(m, c) }

// Text renders the feedback as a single prompt line.
func (c CodeFeedback) Text() string {
	text := c.Feedback
	if c.Line >= 0 {
		text = fmt.Sprintf("Line %d: %s", c.Line, text)
	}
	if c.Suggestion != "" {
		text = fmt.Sprintf("%s. Suggestion: %s", text, c.Suggestion)
	}
	return text
}

// ExecutionResult is the executor's report of one toolchain invocation.
// A failed compile step is never an ExecutionResult; it travels as a compilation_error
// Diagnostic.
type ExecutionResult struct {
	Success          bool   `json:"success"`
	AllChecksPassed  bool   `json:"all_checks_passed"`
	Output           string `json:"execution_result"`
	Code             string `json:"code"`
	IsAutoCorrection bool   `json:"is_auto_correction"`
	TimedOut         bool   `json:"timed_out"`
}

func (ExecutionResult) Kind() Kind                     { return KindExecutionResult }
func (c ExecutionResult) accept(m *Message, v Visitor) { v.VisitExecutionResult(m, c) }

// Passed reports whether the run both exited cleanly and printed the pass marker.
func (c ExecutionResult) Passed() bool {
	return c.Success && c.AllChecksPassed
}

// ExecutionSuccess announces the accepted artifact.
type ExecutionSuccess struct {
	Code            string `json:"code"`
	ExecutionResult string `json:"execution_result"`
	Requirement     string `json:"requirement"`
}

func (ExecutionSuccess) Kind() Kind                     { return KindExecutionSuccess }
func (c ExecutionSuccess) accept(m *Message, v Visitor) { v.VisitExecutionSuccess(m, c) }

// ExecutionFailed reports that the executor gave up.
type ExecutionFailed struct {
	Reason         string `json:"reason"`
	LastDiagnostic string `json:"last_diagnostic,omitempty"`
	Code           string `json:"code,omitempty"`
	Failures       int    `json:"failures"`
}

func (ExecutionFailed) Kind() Kind                     { return KindExecutionFailed }
func (c ExecutionFailed) accept(m *Message, v Visitor) { v.VisitExecutionFailed(m, c) }

// GenerationFailed reports that the generator exhausted its retry budget.
type GenerationFailed struct {
	Reason      string   `json:"reason"`
	LastError   string   `json:"last_error,omitempty"`
	LastCode    string   `json:"last_code,omitempty"`
	Requirement string   `json:"requirement,omitempty"`
	Feedback    []string `json:"feedback,omitempty"`
	Attempts    int      `json:"attempts"`
}

func (GenerationFailed) Kind() Kind                     { return KindGenerationFailed }
func (c GenerationFailed) accept(m *Message, v Visitor) { v.VisitGenerationFailed(m, c) }

// Stop asks an actor to halt.
type Stop struct {
	Reason string
}

func (Stop) Kind() Kind                     { return KindStop }
func (c Stop) accept(m *Message, v Visitor) { v.VisitStop(m, c) }

// AgentStopped is sent by an actor once it halted.
type AgentStopped struct {
	Reason string
}

func (AgentStopped) Kind() Kind                     { return KindAgentStopped }
func (c AgentStopped) accept(m *Message, v Visitor) { v.VisitAgentStopped(m, c) }
