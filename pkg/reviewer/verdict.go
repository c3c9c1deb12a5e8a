package reviewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hdlforge/pkg/hdl"
	"hdlforge/pkg/proto"
)

// Error codes the reviewer puts on feedback when the model gave none.
const (
	CodeJSONError        = "JSONError"
	CodeNoVerilogCode    = "NoVerilogCode"
	CodeReviewError      = "ReviewError"
	CodeSimulationFailed = "SimulationFailed"
	CodeExecutionError   = "ExecutionError"
	CodeNoSpecificIssue  = "NoSpecificIssue"
)

// reviewFocus steers an auto-fix prompt towards the failing layer.
var reviewFocus = map[proto.DiagnosticClass]string{
	proto.ClassCompilation: "compilation errors and structural Verilog syntax",
	proto.ClassRuntime:     "simulation errors and functional/logical correctness",
	proto.ClassTestFailure: "test failures and logical correctness",
	proto.ClassTimeout:     "simulation timeout: unbounded loops, missing $finish, clocking",
	proto.ClassOther:       "general structural Verilog code quality",
}

func focusFor(class proto.DiagnosticClass) string {
	if f, ok := reviewFocus[class]; ok {
		return f
	}
	return reviewFocus[proto.ClassOther]
}

var errNoJSON = errors.New("no JSON object in reply")

type verdictJSON struct {
	NeedsRevision bool   `json:"needs_revision"`
	ErrorCode     string `json:"error_code"`
	Line          *int   `json:"line"`
	Feedback      string `json:"feedback"`
	Suggestion    string `json:"suggestion"`
}

// parseVerdict reads the first {...} span of reply. A reply with no parseable object
// yields a JSONError verdict that asks for revision.
func parseVerdict(reply string) (proto.CodeFeedback, bool) {
	obj := hdl.ExtractJSONObject(reply)
	var v verdictJSON
	if obj == "" {
		return jsonErrorVerdict(errNoJSON), false
	}
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return jsonErrorVerdict(err), false
	}

	line := -1
	if v.Line != nil {
		line = *v.Line
	}
	return proto.CodeFeedback{
		NeedsRevision: v.NeedsRevision,
		ErrorCode:     strings.TrimSpace(v.ErrorCode),
		Line:          line,
		Feedback:      strings.TrimSpace(v.Feedback),
		Suggestion:    strings.TrimSpace(v.Suggestion),
	}, true
}

func jsonErrorVerdict(err error) proto.CodeFeedback {
	return proto.CodeFeedback{
		NeedsRevision: true,
		ErrorCode:     CodeJSONError,
		Line:          -1,
		Feedback:      fmt.Sprintf("Failed to parse JSON response, error: %v", err),
		Suggestion:    "LLM returned invalid JSON.",
	}
}

// moduleBlock returns the last fenced block when it declares a module.
func moduleBlock(reply string) string {
	code := hdl.LastCodeBlock(reply)
	if code == "" || hdl.ModuleName(code) == hdl.UnknownModule {
		return ""
	}
	return code
}

// errorCode picks the code sent upstream: the model's own code first, then what the
// last execution tells us.
func errorCode(verdict *proto.CodeFeedback, diag proto.Diagnostic) string {
	switch {
	case verdict != nil && verdict.ErrorCode != "":
		return verdict.ErrorCode
	case diag.Class == proto.ClassRuntime || diag.Class == proto.ClassTestFailure || diag.Class == proto.ClassTimeout:
		return CodeSimulationFailed
	case diag.Output != "":
		return CodeExecutionError
	default:
		return CodeNoSpecificIssue
	}
}
