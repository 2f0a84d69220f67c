package errors

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// ErrResponse is the wire shape of an engine error. It implements the
// render.Renderer interface so handlers can return it directly.
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	AppCode        string `json:"code,omitempty"`
	ErrorText      string `json:"error,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}

// Render implements the render.Renderer interface.
func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindCapacity:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindStateConflict:
		return http.StatusConflict
	case KindAlreadyExists:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response converts any error into its wire representation. Foreign
// errors map to a 500 without leaking their text.
func Response(err error) *ErrResponse {
	var e *Error
	if !errors.As(err, &e) {
		return &ErrResponse{
			Err:            err,
			HTTPStatusCode: http.StatusInternalServerError,
			StatusText:     "internal",
			AppCode:        "INTERNAL_ERROR",
			ErrorText:      "an unexpected error occurred",
		}
	}
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: HTTPStatus(e.Kind),
		StatusText:     e.Kind.String(),
		AppCode:        e.Code,
		ErrorText:      e.Message,
		Retryable:      e.Kind == KindTransient,
	}
}
