package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const DefaultProfile = "default"

// Request is the inbound orchestrator request.
type Request struct {
	VideoURI string `json:"video_uri"`
	Query    string `json:"query,omitempty"`
	Profile  string `json:"profile"`
	Metadata Fields `json:"metadata"`
}

// FieldError describes one rejected field of an inbound request.
type FieldError struct {
	Field   string `json:"field"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ValidationError is returned when an inbound request is malformed. No state
// exists for a request that fails validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// DecodeRequest parses and validates an inbound request body. An empty body
// is treated as an empty object.
func DecodeRequest(raw []byte) (Request, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Request{}, &ValidationError{Fields: []FieldError{{
			Field:   "body",
			Type:    "json_invalid",
			Message: fmt.Sprintf("body must be a JSON object: %v", err),
		}}}
	}

	var errs []FieldError
	req := Request{Profile: DefaultProfile}

	videoRaw, ok := doc["video_uri"]
	switch {
	case !ok || isNull(videoRaw):
		errs = append(errs, FieldError{Field: "video_uri", Type: "missing", Message: "field required"})
	default:
		var s string
		if err := json.Unmarshal(videoRaw, &s); err != nil {
			errs = append(errs, FieldError{Field: "video_uri", Type: "string_type", Message: "must be a string"})
		} else if strings.TrimSpace(s) == "" {
			errs = append(errs, FieldError{Field: "video_uri", Type: "string_too_short", Message: "must not be empty"})
		} else {
			req.VideoURI = strings.TrimSpace(s)
		}
	}

	if q, ok := doc["query"]; ok && !isNull(q) {
		if err := json.Unmarshal(q, &req.Query); err != nil {
			errs = append(errs, FieldError{Field: "query", Type: "string_type", Message: "must be a string"})
		}
	}

	if p, ok := doc["profile"]; ok && !isNull(p) {
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			errs = append(errs, FieldError{Field: "profile", Type: "string_type", Message: "must be a string"})
		} else if strings.TrimSpace(s) != "" {
			req.Profile = strings.TrimSpace(s)
		}
	}

	if m, ok := doc["metadata"]; ok && !isNull(m) {
		trimmed := bytes.TrimSpace(m)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			errs = append(errs, FieldError{Field: "metadata", Type: "dict_type", Message: "must be an object"})
		} else if err := json.Unmarshal(trimmed, &req.Metadata); err != nil {
			errs = append(errs, FieldError{Field: "metadata", Type: "value_error", Message: err.Error()})
		}
	}
	if req.Metadata == nil {
		req.Metadata = Fields{}
	}

	if len(errs) > 0 {
		return Request{}, &ValidationError{Fields: errs}
	}
	return req, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
