// Package mocks provides shared mock implementations for testing.
//
// # Usage
//
//	import "hdlforge/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    mockLLM := mocks.NewMockLLMClient()
//	    mockLLM.RespondWithSequence("```verilog\nmodule m; endmodule\n```")
//	    // Use mockLLM in test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: Mock for pkg/agent/llm.LLMClient
//   - MockToolchain: Mock for pkg/executor.Toolchain
package mocks
