package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the wrapper the backend puts around every JSON payload.
// Non-2xx responses may carry it too, with Error set instead of Data.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// decodeEnvelope parses a 2xx response body. A well-formed envelope with
// success=false is a server-side rejection even though the transport
// succeeded, so it surfaces as a request error rather than decoded data.
func decodeEnvelope(body []byte, out any) error {
	if len(body) == 0 {
		if out == nil {
			return nil
		}
		return newError(KindRequestRejected, "empty response body", false, nil)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return newError(KindRequestRejected, "decode response envelope", false, err)
	}
	if !env.Success {
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = strings.TrimSpace(env.Message)
		}
		if msg == "" {
			msg = "request rejected"
		}
		return newError(KindRequestRejected, msg, false, nil)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return newError(KindRequestRejected, "response envelope has no data", false, nil)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(KindRequestRejected, fmt.Sprintf("decode response data: %v", err), false, err)
	}
	return nil
}

// envelopeFailureMessage extracts the server's error string from a non-2xx
// body, falling back to the message field or a trimmed body excerpt.
func envelopeFailureMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if msg := strings.TrimSpace(env.Error); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(env.Message); msg != "" {
			return msg
		}
	}
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return excerpt
}
