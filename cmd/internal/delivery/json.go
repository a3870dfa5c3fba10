package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// requestError is a refused request, already mapped to its HTTP response.
type requestError struct {
	status int
	apiError
}

func (e *requestError) Error() string { return e.Code + ": " + e.Message }

func refuse(status int, code, msg string) *requestError {
	return &requestError{status: status, apiError: apiError{Code: code, Message: msg}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func writeRefusal(w http.ResponseWriter, e *requestError) {
	writeJSON(w, e.status, errorResponse{Error: e.apiError})
}

// decodeBody reads exactly one JSON object of at most maxBodyBytes into dst.
// A missing Content-Type is accepted; any other media type is refused.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return refuse(http.StatusUnsupportedMediaType, "unsupported_media_type", "body must be application/json")
		}
	}
	if r.Body == nil || r.Body == http.NoBody {
		return refuse(http.StatusBadRequest, "bad_json", "empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return classifyDecodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return refuse(http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
		}
		return refuse(http.StatusBadRequest, "bad_json", "extra data after JSON object")
	}
	return nil
}

func classifyDecodeError(err error) *requestError {
	var (
		maxErr  *http.MaxBytesError
		typeErr *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxErr):
		return refuse(http.StatusRequestEntityTooLarge, "body_too_large", fmt.Sprintf("body exceeds %d bytes", maxErr.Limit))
	case errors.Is(err, io.EOF):
		return refuse(http.StatusBadRequest, "bad_json", "empty body")
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return refuse(http.StatusBadRequest, "invalid_input", typeErr.Field+" must be "+typeErr.Type.String())
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return refuse(http.StatusBadRequest, "invalid_input", "unknown field "+field)
	default:
		return refuse(http.StatusBadRequest, "bad_json", "invalid JSON body")
	}
}
