package mocks

import (
	"context"
	"os"
	"sync"
	"time"

	"hdlforge/pkg/exec"
)

// MockToolchain implements executor.Toolchain with scripted results.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockToolchain struct {
	// CompileFunc decides the compile result from the artifact source text.
	CompileFunc func(artifact string) exec.Result

	// RunFunc decides the run result from the most recently compiled artifact.
	RunFunc func(artifact string) exec.Result

	// Artifacts records the source text of every compiled artifact.
	Artifacts []string

	mu sync.Mutex
}

// NewMockToolchain creates a toolchain whose every compile and run succeeds with the pass marker.
func NewMockToolchain() *MockToolchain {
	return &MockToolchain{
		CompileFunc: func(string) exec.Result { return exec.Result{} },
		RunFunc:     func(string) exec.Result { return exec.Result{Stdout: "All tests passed\n"} },
	}
}

// Compile implements executor.Toolchain. It reads sources[0] so decisions can depend on the written code.
func (m *MockToolchain) Compile(_ context.Context, _ string, sources []string) (exec.Result, error) {
	var artifact string
	if len(sources) > 0 {
		data, err := os.ReadFile(sources[0])
		if err != nil {
			return exec.Result{}, err //nolint:wrapcheck // mock passes errors through
		}
		artifact = string(data)
	}

	m.mu.Lock()
	m.Artifacts = append(m.Artifacts, artifact)
	fn := m.CompileFunc
	m.mu.Unlock()
	return fn(artifact), nil
}

// Run implements executor.Toolchain.
func (m *MockToolchain) Run(_ context.Context, _ string, _ time.Duration) (exec.Result, error) {
	m.mu.Lock()
	var artifact string
	if len(m.Artifacts) > 0 {
		artifact = m.Artifacts[len(m.Artifacts)-1]
	}
	fn := m.RunFunc
	m.mu.Unlock()
	return fn(artifact), nil
}

// CompileCount returns the number of compiled artifacts.
func (m *MockToolchain) CompileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Artifacts)
}
