// ABOUTME: Request/response types for the automated responder and tolerant response parsing
// ABOUTME: Accepts object, bare string, and list shapes; anything else degrades to the fallback

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultConfidence is reported when the backend omits a confidence value.
const DefaultConfidence = 0.8

// FallbackAnswer is sent to the client when no automated answer is available.
const FallbackAnswer = "I'm sorry, I'm having trouble processing your request right now. " +
	"Please try again later or contact support if the issue persists."

// ErrMalformedResponse is returned for backend payloads without a usable answer.
var ErrMalformedResponse = errors.New("malformed responder payload")

// answerFields are checked in order for the answer text.
var answerFields = []string{"answer", "text", "response", "output"}

// Backend performs one call to an automated-response service and returns
// its raw JSON payload.
type Backend interface {
	Call(ctx context.Context, req *Request) ([]byte, error)
}

// RequestContext carries conversation details the backend may use.
type RequestContext struct {
	ConversationID int64  `json:"conversation_id"`
	ExternalID     string `json:"external_id"`
	Platform       string `json:"platform"`
	MessageCount   int    `json:"message_count"`
	Language       string `json:"language,omitempty"`
}

// Request is one inbound message handed to the responder.
type Request struct {
	ConversationID int64          `json:"conversation_id"`
	ExternalID     string         `json:"external_id"`
	Body           string         `json:"text"`
	Context        RequestContext `json:"context"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Response is the outcome of a dispatch, real or fallback.
type Response struct {
	Success           bool           `json:"success"`
	Answer            string         `json:"answer"`
	Confidence        float64        `json:"confidence"`
	HandoverRequested bool           `json:"handover_requested"`
	Metadata          map[string]any `json:"metadata"`
}

// IsFallback reports whether the response was synthesized locally.
func (r *Response) IsFallback() bool {
	fallback, _ := r.Metadata["fallback"].(bool)
	return fallback
}

// Fallback builds the substitute response returned when dispatch fails.
func Fallback(reason string) *Response {
	return &Response{
		Success:    false,
		Answer:     FallbackAnswer,
		Confidence: 0,
		Metadata: map[string]any{
			"fallback": true,
			"reason":   reason,
		},
	}
}

// ParseResponse interprets a backend payload. Accepted shapes are a JSON
// object carrying one of answer/text/response/output, a bare JSON string,
// or a list whose first element is such an object.
func ParseResponse(raw []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}

	switch trimmed[0] {
	case '"':
		var answer string
		if err := json.Unmarshal(trimmed, &answer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return nil, fmt.Errorf("%w: empty answer", ErrMalformedResponse)
		}
		return &Response{
			Success:    true,
			Answer:     answer,
			Confidence: DefaultConfidence,
			Metadata:   map[string]any{},
		}, nil

	case '{':
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return parseObject(obj)

	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: empty list", ErrMalformedResponse)
		}
		return ParseResponse(list[0])
	}

	return nil, fmt.Errorf("%w: unexpected shape", ErrMalformedResponse)
}

func parseObject(obj map[string]any) (*Response, error) {
	var answer string
	for _, field := range answerFields {
		if s, ok := obj[field].(string); ok && strings.TrimSpace(s) != "" {
			answer = strings.TrimSpace(s)
			break
		}
	}
	if answer == "" {
		return nil, fmt.Errorf("%w: no answer field", ErrMalformedResponse)
	}

	confidence := DefaultConfidence
	if c, ok := obj["confidence"].(float64); ok {
		confidence = c
	}

	metadata, _ := obj["metadata"].(map[string]any)
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &Response{
		Success:           true,
		Answer:            answer,
		Confidence:        confidence,
		HandoverRequested: truthy(obj["handover"]) || truthy(obj["manager"]),
		Metadata:          metadata,
	}, nil
}

// truthy accepts true, "true", and 1.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	case float64:
		return t == 1
	}
	return false
}
