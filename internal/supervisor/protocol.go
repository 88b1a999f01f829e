package supervisor

import (
	"encoding/json"
	"io"
	"sync"

	"dropscribe/internal/backend"
	"dropscribe/internal/failure"
)

// MessageType names one worker-to-supervisor message.
type MessageType string

const (
	MessageLoaded   MessageType = "loaded"
	MessageSegment  MessageType = "segment"
	MessageProgress MessageType = "progress"
	MessageLog      MessageType = "log"
	MessageResult   MessageType = "result"
	MessageError    MessageType = "error"
)

// Message is one JSON line on the worker's stdout.
type Message struct {
	Type       MessageType         `json:"type"`
	Segment    *backend.Segment    `json:"segment,omitempty"`
	Measured   float64             `json:"measured,omitempty"`
	Expected   float64             `json:"expected,omitempty"`
	Line       string              `json:"line,omitempty"`
	Transcript *backend.Transcript `json:"transcript,omitempty"`
	Kind       failure.Kind        `json:"kind,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// errorMessage carries err across the process boundary with its kind.
func errorMessage(err error) Message {
	return Message{Type: MessageError, Kind: failure.KindOf(err), Error: err.Error()}
}

// messageWriter serializes messages from concurrent engine callbacks.
type messageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func newMessageWriter(w io.Writer) *messageWriter {
	return &messageWriter{enc: json.NewEncoder(w)}
}

// send writes one line. After the first write error further messages are
// dropped and the error is kept.
func (m *messageWriter) send(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.err = m.enc.Encode(msg)
	return m.err
}
