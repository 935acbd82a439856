package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/codeblabdev-max/codeb-server-sub006/pkg/codeberr"
)

// Envelope is the success-shaped response body (spec §6): every tool
// call that does not fail is wrapped in this shape.
type Envelope struct {
	Success bool   `json:"success"`
	Tool    string `json:"tool"`
	Result  any    `json:"result,omitempty"`
}

// ErrorEnvelope is the failure-shaped response body (spec §6).
type ErrorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Respond writes data as a JSON body with the given status.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// RespondResult writes a successful tool call's envelope.
func RespondResult(w http.ResponseWriter, tool string, result any) {
	Respond(w, http.StatusOK, Envelope{Success: true, Tool: tool, Result: result})
}

// RespondErr maps err's codeberr.Kind to its HTTP status and writes the
// failure envelope. Any error not already a *codeberr.Error is reported
// as an internal error without leaking its message text.
func RespondErr(w http.ResponseWriter, err error) {
	kind := codeberr.KindOf(err)
	status := codeberr.HTTPStatus(kind)
	msg := err.Error()
	var typed *codeberr.Error
	if !errors.As(err, &typed) {
		msg = "internal error"
	}
	Respond(w, status, ErrorEnvelope{Error: msg, Code: string(kind)})
}

// RespondError writes an explicit status/code/message failure envelope,
// for the handful of failures (bad JSON, auth header missing) that
// precede any engine call and so never produce a codeberr.Error.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, ErrorEnvelope{Error: message, Code: code})
}
