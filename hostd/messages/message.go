// Package messages is the append-only status log read by the UI and CLI.
package messages

import (
	"encoding/json"
	"time"
)

// Severity of a Message.
type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Response is the result of one task step. Task is the sub-task index within a
// group and stays zero for plain tasks.
type Response struct {
	Task   int             `json:"task,omitempty"`
	Step   int             `json:"step"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Message is one status record. Several records may share an id; readers fold them.
type Message struct {
	ID        string     `json:"id"`
	Severity  Severity   `json:"severity"`
	Text      string     `json:"text"`
	Finished  bool       `json:"finished"`
	Responses []Response `json:"responses,omitempty"`
	Time      time.Time  `json:"time"`
}

// Template holds the texts a task reports at start, success and failure. The error
// text may contain {error}, replaced with the failure detail.
type Template struct {
	Start   string `json:"start,omitempty"`
	Success string `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}
