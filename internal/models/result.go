package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Result is the normalized outcome of a single API call. HTTP failures are
// reported here rather than as Go errors.
type Result struct {
	StatusCode   int
	ReasonPhrase string
	ContentType  string
	// Body holds the raw JSON document for JSON responses.
	Body json.RawMessage
	// DataURI holds image responses encoded as data:<type>;base64,<payload>.
	DataURI string
}

// IsSuccess reports whether the server answered exactly 200 OK.
func (r *Result) IsSuccess() bool {
	return r != nil && r.StatusCode == http.StatusOK
}

// IsError reports whether the body carries a non-null errors member.
func (r *Result) IsError() bool {
	return r.errorsMember() != nil
}

// ErrorMessage renders the errors member as "key : value" lines.
func (r *Result) ErrorMessage() string {
	raw := r.errorsMember()
	if raw == nil {
		return ""
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return string(raw)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(" : ")
		b.WriteString(rawText(entries[k]))
		b.WriteString("\n")
	}
	return b.String()
}

// Decode unmarshals the JSON body into v.
func (r *Result) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// Err converts a failed result into an *APIError.
func (r *Result) Err() error {
	if r == nil {
		return &APIError{Reason: "no response"}
	}
	if r.IsSuccess() && !r.IsError() {
		return nil
	}
	return &APIError{
		StatusCode: r.StatusCode,
		Reason:     r.ReasonPhrase,
		Message:    strings.TrimSpace(r.ErrorMessage()),
	}
}

func (r *Result) errorsMember() json.RawMessage {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	var probe struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(r.Body, &probe); err != nil {
		return nil
	}
	if len(probe.Errors) == 0 || bytes.Equal(probe.Errors, []byte("null")) {
		return nil
	}
	return probe.Errors
}

// rawText prints JSON strings without quotes and everything else verbatim.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// APIError is a non-200 response or an application-level error body.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("HTTP error %d (%s)", e.StatusCode, e.Reason)
}
