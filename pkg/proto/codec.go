package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned when decoding an envelope whose type tag has no content variant.
var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the JSON wire shape of a message: {type, sender, content, metadata}.
type Envelope struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Type      Kind            `json:"type"`
	Sender    string          `json:"sender,omitempty"`
	Content   json.RawMessage `json:"content"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToEnvelope converts a message to its wire shape.
func ToEnvelope(m *Message) (*Envelope, error) {
	raw, err := marshalContent(m.content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s content: %w", m.Kind(), err)
	}
	env := &Envelope{
		ID:        m.id,
		ParentID:  m.parentID,
		Type:      m.Kind(),
		Sender:    m.sender,
		Content:   raw,
		Timestamp: m.timestamp,
	}
	if len(m.metadata) > 0 {
		env.Metadata = m.Metadata()
	}
	return env, nil
}

// Encode serializes a message to JSON.
func Encode(m *Message) ([]byte, error) {
	env, err := ToEnvelope(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a JSON envelope back into a message.
func Decode(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env.Message()
}

// Message rebuilds the typed message from the envelope.
func (e *Envelope) Message() (*Message, error) {
	content, err := unmarshalContent(e.Type, e.Content)
	if err != nil {
		return nil, err
	}
	m := &Message{
		id:        e.ID,
		parentID:  e.ParentID,
		sender:    e.Sender,
		content:   content,
		metadata:  make(Metadata, len(e.Metadata)),
		timestamp: e.Timestamp,
	}
	for k, v := range e.Metadata {
		m.metadata[k] = v
	}
	return m, nil
}

// Text-shaped kinds carry a bare JSON string as content.
func marshalContent(c Content) (json.RawMessage, error) {
	switch v := c.(type) {
	case DesignRequest:
		return json.Marshal(v.Requirement)
	case CodeArtifact:
		return json.Marshal(v.Code)
	case Diagnostic:
		return json.Marshal(v.Output)
	case Stop:
		return json.Marshal(v.Reason)
	case AgentStopped:
		return json.Marshal(v.Reason)
	default:
		return json.Marshal(v)
	}
}

func unmarshalContent(kind Kind, raw json.RawMessage) (Content, error) {
	text := func() (string, error) {
		var s string
		if len(raw) == 0 || string(raw) == "null" {
			return "", nil
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("failed to unmarshal %s content: %w", kind, err)
		}
		return s, nil
	}

	switch kind {
	case KindDesignRequest:
		s, err := text()
		return DesignRequest{Requirement: s}, err
	case KindCodeArtifact:
		s, err := text()
		return CodeArtifact{Code: s}, err
	case KindCompilationError:
		s, err := text()
		return Diagnostic{Class: ClassCompilation, Output: s}, err
	case KindRuntimeError:
		s, err := text()
		return Diagnostic{Class: ClassRuntime, Output: s}, err
	case KindTestFailure:
		s, err := text()
		return Diagnostic{Class: ClassTestFailure, Output: s}, err
	case KindStop:
		s, err := text()
		return Stop{Reason: s}, err
	case KindAgentStopped:
		s, err := text()
		return AgentStopped{Reason: s}, err
	case KindCodeFeedback:
		return decodeStruct[CodeFeedback](kind, raw)
	case KindExecutionResult:
		return decodeStruct[ExecutionResult](kind, raw)
	case KindExecutionSuccess:
		return decodeStruct[ExecutionSuccess](kind, raw)
	case KindExecutionFailed:
		return decodeStruct[ExecutionFailed](kind, raw)
	case KindGenerationFailed:
		return decodeStruct[GenerationFailed](kind, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeStruct[T Content](kind Kind, raw json.RawMessage) (Content, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s content: %w", kind, err)
	}
	return v, nil
}
