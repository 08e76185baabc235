package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"courier/internal/types"
)

// maxRequestBodySize bounds a decoded request body.
const maxRequestBodySize = 1 << 20

// APIResponse is the envelope for list responses.
type APIResponse struct {
	Data any       `json:"data"`
	Meta *PageMeta `json:"meta,omitempty"`
}

// PageMeta describes a page of a list response.
type PageMeta struct {
	Limit      int    `json:"limit"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// APIErrorResponse is the standard envelope for all error API responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with status. A value that cannot be marshaled becomes a
// 500 error envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as the standard error envelope. An *types.AppError in the
// chain supplies the status, code, message and details; anything else is a
// 500 with a fixed message. Wrapped causes are never written.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
	}
	JSON(w, r, status, APIErrorResponse{Error: detail})
}

// errCodeValidationInvalidJSON is specific to the HTTP layer.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// DecodeJSON strictly decodes a single JSON object from the request body into
// dst. Every failure is a validation_invalid_json AppError. When the body
// still carries a request_id it is echoed in the details so clients can tell
// which submission was refused.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return invalidJSON("request body must not exceed 1MB", err, map[string]any{"limit_bytes": tooLarge.Limit})
		}
		return invalidJSON("failed to read request body", err, nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return invalidJSON("request body must not be empty", nil, nil)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return withBodyRequestID(decodeFailure(err), body)
	}
	if dec.More() {
		return withBodyRequestID(invalidJSON("request body must contain a single JSON object", nil, nil), body)
	}
	return nil
}

func invalidJSON(msg string, err error, details map[string]any) *types.AppError {
	return types.NewAppErrorWithDetails(errCodeValidationInvalidJSON, msg, err, details)
}

func decodeFailure(err error) *types.AppError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return invalidJSON("malformed JSON in request body", err, map[string]any{"offset": syntaxErr.Offset})
	case errors.As(err, &typeErr):
		return invalidJSON("invalid value for field", err, map[string]any{
			"field":    typeErr.Field,
			"expected": typeErr.Type.String(),
			"offset":   typeErr.Offset,
		})
	case errors.Is(err, io.ErrUnexpectedEOF):
		return invalidJSON("request body ends before the JSON object is complete", err, nil)
	}
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		field = strings.Trim(field, `"`)
		return invalidJSON("unknown field in request body: "+field, err, map[string]any{"field": field})
	}
	return invalidJSON("invalid JSON in request body", err, nil)
}

// withBodyRequestID adds the body's request_id, when one can be read, to the
// details of e.
func withBodyRequestID(e *types.AppError, body []byte) *types.AppError {
	var ref struct {
		RequestID string `json:"request_id"`
	}
	_ = json.NewDecoder(bytes.NewReader(body)).Decode(&ref)
	if ref.RequestID == "" {
		return e
	}
	return e.WithDetails(map[string]any{"request_id": ref.RequestID})
}
