// Package ipc carries dictation control commands over a unix socket.
package ipc

// Commands understood by a dictation session owner.
const (
	CommandStatus = "status"
	CommandStop   = "stop"
	CommandCancel = "cancel"
)

// Request is one newline-delimited JSON command.
type Request struct {
	Command string `json:"command"`
}

// Response reports the session after handling a Request.
type Response struct {
	OK           bool   `json:"ok"`
	State        string `json:"state,omitempty"`
	Mode         string `json:"mode,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
	Key          string `json:"key,omitempty"`
	Text         string `json:"text,omitempty"`
	Message      string `json:"message,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
}
