// Package agent provides the building blocks shared by hdlforge actors.
//
// The package has the following structure:
//   - Machine: a small explicit state-machine interpreter (rules, guards, entry actions)
//   - Factory: builds a decorated completion client for a configured model
//   - llm, llmerrors and middleware subpackages: the completion service contract
//
// Provider implementations are kept private under internal/llmimpl.
package agent
