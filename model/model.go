package model

import "encoding/json"

// RunCommand represents a single code execution request
type RunCommand struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// Event type tags used on the wire between the channel and its consumers.
const (
	TypeReady   = "ready"
	TypeStatus  = "status"
	TypeStdout  = "stdout"
	TypeStderr  = "stderr"
	TypeDisplay = "display"
	TypeResult  = "result"
)

// Display payload kinds.
const (
	DisplayImage = "image"
	DisplayHTML  = "html"
	DisplayText  = "text"
)

// Exit codes carried by a result event.
const (
	ExitOK       = 0 // executed without an uncaught error
	ExitRaised   = 1 // user code raised
	ExitRejected = 2 // rejected before execution
)

// DisplayPayload is an out-of-band rendered artifact emitted independently
// of the stdout/stderr streams.
type DisplayPayload struct {
	Kind string `json:"kind"`
	MIME string `json:"mime,omitempty"`
	Data string `json:"data,omitempty"` // base64, kind == "image"
	HTML string `json:"html,omitempty"` // kind == "html"
	Text string `json:"text,omitempty"` // kind == "text"
}

// ResultData terminates exactly one run.
type ResultData struct {
	ExitCode int `json:"exitCode"`
}

// Envelope is the wire form of a channel event: a type tag plus a
// type-dependent data field. Unknown type tags must be tolerated by
// consumers, never treated as fatal.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope with the given type tag.
func NewEnvelope(eventType string, data any) Envelope {
	if data == nil {
		return Envelope{Type: eventType}
	}
	raw, _ := json.Marshal(data)
	return Envelope{Type: eventType, Data: raw}
}

// Text decodes the data field as a plain string. Returns "" for events
// that carry no string payload.
func (e Envelope) Text() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return ""
	}
	return s
}

// Display decodes the data field as a display payload.
func (e Envelope) Display() (DisplayPayload, bool) {
	var p DisplayPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return DisplayPayload{}, false
	}
	switch p.Kind {
	case DisplayImage, DisplayHTML, DisplayText:
		return p, true
	}
	return DisplayPayload{}, false
}

// Result decodes the data field as result data.
func (e Envelope) Result() (ResultData, bool) {
	var r ResultData
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return ResultData{}, false
	}
	return r, true
}

// ChatMessage is one turn of a model conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks a model provider for the next reply.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse carries the model reply back to the caller.
type ChatResponse struct {
	Reply         string `json:"reply"`
	Error         string `json:"error,omitempty"`
	StatusMessage string `json:"status_message"`
	Success       bool   `json:"success"`
}

// Known provider identifiers persisted as user preferences.
const (
	ModelProviderLocal  = "local"
	ModelProviderRemote = "remote"

	ExecProviderSubprocess = "subprocess"
	ExecProviderContainer  = "container"
	ExecProviderNotebook   = "notebook"
)
