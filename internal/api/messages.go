package api

import "github.com/skobkin/gputelemetry-web/internal/version"

// Message types exchanged over the WebSocket.
const (
	TypeHello   = "hello"
	TypeReport  = "report"
	TypeError   = "error"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeCollect = "collect"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type    string       `json:"type"`
	Version version.Info `json:"version"`
	Views   []View       `json:"views"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(info version.Info) HelloMessage {
	return HelloMessage{
		Type:    TypeHello,
		Version: info,
		Views:   append([]View(nil), Views...),
	}
}

// ReportMessage carries one freshly collected view.
type ReportMessage struct {
	Type string `json:"type"`
	View View   `json:"view,omitempty"`
	Data any    `json:"data"`
}

// NewReportMessage constructs a report payload.
func NewReportMessage(view View, data any) ReportMessage {
	return ReportMessage{Type: TypeReport, View: view, Data: data}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}

// ClientMessage is the envelope of inbound client messages. View is only read for collect.
type ClientMessage struct {
	Type string `json:"type"`
	View string `json:"view,omitempty"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
