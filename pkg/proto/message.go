// Package proto defines the messages exchanged between hdlforge actors.
//
// A Message is an immutable envelope around exactly one Content value. Content is a
// closed sum type: only this package can add variants, and every consumer handles
// them through the Visitor interface, so a new kind breaks the build of every
// actor that does not handle it yet.
package proto

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kind is the wire tag of a message.
type Kind string

const (
	KindDesignRequest    Kind = "design_request"
	KindCodeArtifact     Kind = "code_artifact"
	KindCompilationError Kind = "compilation_error"
	KindRuntimeError     Kind = "runtime_error"
	KindTestFailure      Kind = "test_failure"
	KindCodeFeedback     Kind = "code_feedback"
	KindExecutionResult  Kind = "execution_result"
	KindExecutionSuccess Kind = "execution_success"
	KindExecutionFailed  Kind = "execution_failed"
	KindGenerationFailed Kind = "generation_failed"
	KindStop             Kind = "stop"
	KindAgentStopped     Kind = "agent_stopped"
)

// String returns the wire tag.
func (k Kind) String() string {
	return string(k)
}

// IsTerminal reports whether the kind ends a workflow run.
func (k Kind) IsTerminal() bool {
	switch k {
	case KindExecutionSuccess, KindExecutionFailed, KindGenerationFailed:
		return true
	default:
		return false
	}
}

// Metadata keys used at actor boundaries.
const (
	KeyIsAutoCorrection  = "is_auto_correction"
	KeyStructuralPending = "structural_pending"
	KeyAttempt           = "attempt"
	KeyTimedOut          = "timed_out"
	KeyBestEffort        = "best_effort"
)

// Metadata is the open key/value bag carried by a message.
type Metadata map[string]string

// Bool parses a boolean value. Missing or malformed values read as false.
func (m Metadata) Bool(key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Int parses an integer value, returning def when absent or malformed.
func (m Metadata) Int(key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Message is the envelope delivered by the router. Fields are read through accessors
// and never change after construction; use the With* methods to derive a new value.
type Message struct {
	id        string
	parentID  string
	sender    string
	content   Content
	metadata  Metadata
	timestamp time.Time
}

// Option customizes a message at construction.
type Option func(*Message)

// WithMeta sets one metadata entry.
func WithMeta(key, value string) Option {
	return func(m *Message) {
		m.metadata[key] = value
	}
}

// WithFlag sets a boolean metadata entry.
func WithFlag(key string, value bool) Option {
	return WithMeta(key, strconv.FormatBool(value))
}

// WithParent links the message to the one it answers.
func WithParent(parentID string) Option {
	return func(m *Message) {
		m.parentID = parentID
	}
}

// New builds a message around content.
func New(content Content, opts ...Option) *Message {
	if content == nil {
		panic("proto: nil content")
	}
	m := &Message{
		id:        uuid.NewString(),
		content:   content,
		metadata:  make(Metadata),
		timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Message) ID() string           { return m.id }
func (m *Message) ParentID() string     { return m.parentID }
func (m *Message) Sender() string       { return m.sender }
func (m *Message) Kind() Kind           { return m.content.Kind() }
func (m *Message) Content() Content     { return m.content }
func (m *Message) Timestamp() time.Time { return m.timestamp }

// Metadata returns a copy of the metadata bag.
func (m *Message) Metadata() Metadata {
	return maps.Clone(m.metadata)
}

// Meta is a shorthand for reading a single metadata entry.
func (m *Message) Meta(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// Flag reads a boolean metadata entry.
func (m *Message) Flag(key string) bool {
	return m.metadata.Bool(key)
}

// WithSender returns a copy stamped with the sending actor's name.
func (m *Message) WithSender(sender string) *Message {
	clone := *m
	clone.metadata = maps.Clone(m.metadata)
	clone.sender = sender
	return &clone
}

// Accept dispatches the message to the visitor method for its content.
func (m *Message) Accept(v Visitor) {
	m.content.accept(m, v)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%s from %s)", m.Kind(), shortID(m.id), m.sender)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
