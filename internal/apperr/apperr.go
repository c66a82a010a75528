// Package apperr defines the service's error taxonomy and the single place
// where it is mapped onto HTTP statuses and client-visible messages.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

type Code string

const (
	ModelNotFound       Code = "MODEL_NOT_FOUND"
	ModelLoadFailed     Code = "MODEL_LOAD_FAILED"
	ModelNotInitialized Code = "MODEL_NOT_INITIALIZED"

	EmptyImage          Code = "EMPTY_IMAGE"
	InvalidImageFormat  Code = "INVALID_IMAGE_FORMAT"
	PreprocessingFailed Code = "PREPROCESSING_FAILED"

	InvalidTensor   Code = "INVALID_TENSOR"
	InferenceFailed Code = "INFERENCE_FAILED"

	InterpretationServiceUnavailable Code = "INTERPRETATION_SERVICE_UNAVAILABLE"
	InterpretationFailed             Code = "INTERPRETATION_FAILED"

	InvalidFileType  Code = "INVALID_FILE_TYPE"
	EmptyUpload      Code = "EMPTY_UPLOAD"
	MissingInput     Code = "MISSING_INPUT"
	UploadReadFailed Code = "UPLOAD_READ_FAILED"
	UploadTooLarge   Code = "UPLOAD_TOO_LARGE"

	Internal Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrModelNotFound                    = &Error{Code: ModelNotFound}
	ErrModelLoadFailed                  = &Error{Code: ModelLoadFailed}
	ErrModelNotInitialized              = &Error{Code: ModelNotInitialized}
	ErrEmptyImage                       = &Error{Code: EmptyImage}
	ErrInvalidImageFormat               = &Error{Code: InvalidImageFormat}
	ErrPreprocessingFailed              = &Error{Code: PreprocessingFailed}
	ErrInvalidTensor                    = &Error{Code: InvalidTensor}
	ErrInferenceFailed                  = &Error{Code: InferenceFailed}
	ErrInterpretationServiceUnavailable = &Error{Code: InterpretationServiceUnavailable}
	ErrInterpretationFailed             = &Error{Code: InterpretationFailed}
	ErrInvalidFileType                  = &Error{Code: InvalidFileType}
	ErrEmptyUpload                      = &Error{Code: EmptyUpload}
	ErrMissingInput                     = &Error{Code: MissingInput}
	ErrUploadReadFailed                 = &Error{Code: UploadReadFailed}
	ErrUploadTooLarge                   = &Error{Code: UploadTooLarge}
)

// Error is a classified failure. Message is what a caller may see for
// client-input codes; Err carries the internal cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Code))
	sb.WriteString("]")
	if e.Message != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// Internal when err is unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsClientError reports whether the code describes bad caller input.
func IsClientError(code Code) bool {
	switch code {
	case EmptyImage, InvalidImageFormat, PreprocessingFailed,
		InvalidFileType, EmptyUpload, MissingInput, UploadReadFailed, UploadTooLarge:
		return true
	}
	return false
}

// HTTPStatus maps a code onto the response status.
func HTTPStatus(code Code) int {
	switch code {
	case UploadTooLarge:
		return http.StatusRequestEntityTooLarge
	}
	if IsClientError(code) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var genericMessages = map[Code]string{
	ModelNotFound:                    "Model is not available",
	ModelLoadFailed:                  "Model is not available",
	ModelNotInitialized:              "Model inference failed",
	InvalidTensor:                    "Model inference failed",
	InferenceFailed:                  "Model inference failed",
	InterpretationServiceUnavailable: "LLM service not configured",
	InterpretationFailed:             "Failed to generate interpretation. Please try again.",
}

// Public returns the status, code and message that may be shown to the
// caller. Internal details never leave through this function.
func Public(err error) (int, Code, string) {
	code := CodeOf(err)
	status := HTTPStatus(code)

	if IsClientError(code) {
		var e *Error
		if errors.As(err, &e) && e.Message != "" {
			return status, code, e.Message
		}
	}
	if msg, ok := genericMessages[code]; ok {
		return status, code, msg
	}
	return status, Internal, "An error occurred processing your request"
}
