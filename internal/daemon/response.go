package daemon

import (
	"encoding/json"
	"log/slog"
)

// Message statuses
const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON reply to every non-streaming IPC command
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     json.RawMessage   `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

// AddError records err as an ERROR message
func (r *Response) AddError(err error) {
	r.AddMessage(err.Error(), StatusError)
}

// AddData stores data as the JSON payload of the response
func (r *Response) AddData(data any) {
	bytes, err := json.Marshal(data)
	if err != nil {
		r.AddMessage("failed to encode response data: "+err.Error(), StatusError)
		return
	}
	r.Data = bytes
}

// DecodeData unmarshals the payload into v
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// HasErrors reports whether any message has ERROR status
func (r *Response) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		return `{"messages":[{"message":"failed to encode response","status":"ERROR"}]}`
	}
	return string(bytes)
}

// LogMessages logs every message at the level matching its status
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}
