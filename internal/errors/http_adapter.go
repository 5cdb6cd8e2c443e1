package errors

import (
	"encoding/json"
	"net/http"
)

// StatusFor maps an error's Kind to an HTTP status code for the web API.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch GetKind(err) {
	case KindConfig:
		return http.StatusBadRequest
	case KindInvariant:
		return http.StatusConflict
	case KindSubprocess, KindStore:
		return http.StatusServiceUnavailable
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type httpErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteJSON writes err to w as a JSON body with a status derived from its
// Kind. The body carries only the EkaciError's Message (or the status text
// for other errors), never the wrapped cause chain. A nil err is a
// programmer mistake and writes a 500.
func WriteJSON(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if err == nil {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := httpErrorBody{Kind: GetKind(err).String(), Error: http.StatusText(status)}
	var ee *EkaciError
	if asEkaci(err, &ee) && ee.Message != "" {
		body.Error = ee.Message
	}
	_ = json.NewEncoder(w).Encode(body)
}
