package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"subvalidator/internal/types"
)

// maxRequestBodySize bounds every decoded request body (1 MB).
const maxRequestBodySize = 1 << 20

// APIErrorResponse is the envelope for every error response.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of a failure.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. A marshalling failure degrades to a
// 500 envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		types.LoggerFromContext(r.Context(), nil).Error("failed to marshal response", "error", err)
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an APIErrorResponse. AppErrors keep their code, message
// and details; anything else becomes an opaque 500. Wrapped causes are never
// sent to the client, but 5xx causes are logged.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())
	logger := types.LoggerFromContext(r.Context(), nil)

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("code", string(appErr.Code)),
				slog.Any("error", err),
			)
		}
		JSON(w, r, status, APIErrorResponse{Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Details,
			RequestID: requestID,
		}})
		return
	}

	logger.Error("unexpected error", slog.Any("error", err))
	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}})
}

// DecodeJSON decodes exactly one JSON value from the body into dst, rejecting
// unknown fields, empty bodies and bodies over 1 MB with
// validation_invalid_json.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSON(w, r, dst, decodeOptions{strict: true})
}

// DecodeJSONLenient is DecodeJSON without the unknown-field check. Callers
// that add fields such as request ids or trace tags must not be rejected.
func DecodeJSONLenient(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSON(w, r, dst, decodeOptions{})
}

// DecodeOptionalJSON is DecodeJSON for endpoints whose body may be omitted.
// It reports ok=false, with no error, when the body is empty.
func DecodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) (bool, error) {
	return decodeOptional(w, r, dst, decodeOptions{strict: true, allowEmpty: true})
}

// DecodeOptionalJSONLenient is DecodeOptionalJSON that ignores unknown fields.
func DecodeOptionalJSONLenient(w http.ResponseWriter, r *http.Request, dst any) (bool, error) {
	return decodeOptional(w, r, dst, decodeOptions{allowEmpty: true})
}

var errEmptyBody = errors.New("empty body")

type decodeOptions struct {
	strict     bool
	allowEmpty bool
}

func decodeOptional(w http.ResponseWriter, r *http.Request, dst any, opts decodeOptions) (bool, error) {
	err := decodeJSON(w, r, dst, opts)
	if errors.Is(err, errEmptyBody) {
		return false, nil
	}
	return err == nil, err
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, opts decodeOptions) error {
	if r.Body == nil || r.Body == http.NoBody {
		if opts.allowEmpty {
			return errEmptyBody
		}
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", nil)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if opts.strict {
		dec.DisallowUnknownFields()
	}

	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return mapDecodeError(err)
	}

	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

// mapDecodeError turns a json.Decoder failure into a 400 AppError.
func mapDecodeError(err error) *types.AppError {
	var (
		maxBytesErr *http.MaxBytesError
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
		appErr      *types.AppError
	)

	switch {
	case errors.As(err, &appErr):
		// Custom UnmarshalJSON implementations report their own codes.
		return appErr
	case errors.As(err, &maxBytesErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not exceed 1MB", err)
	case errors.As(err, &syntaxErr):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{
				"field":    typeErr.Field,
				"expected": typeErr.Type.String(),
			})
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid JSON in request body", err)
	}
}
