package httpapi

import (
	"encoding/json"
	"net/http"

	"agritrace/pkg/domain"
)

var statusByCode = map[domain.Code]int{
	domain.CodeInvalidInput:      http.StatusBadRequest,
	domain.CodeDuplicateBatch:    http.StatusConflict,
	domain.CodeNotFound:          http.StatusNotFound,
	domain.CodeUnauthorized:      http.StatusForbidden,
	domain.CodeIllegalTransition: http.StatusConflict,
	domain.CodeRejected:          http.StatusUnprocessableEntity,
	domain.CodeTransportError:    http.StatusServiceUnavailable,
	domain.CodeDivergence:        http.StatusConflict,
	domain.CodeInternal:          http.StatusInternalServerError,
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[domain.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type problem struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, status int, code, message string, details ...string) {
	writeJSON(w, status, problem{Code: code, Message: message, Details: details})
}

func writeError(w http.ResponseWriter, err error) {
	writeProblem(w, StatusFor(err), string(domain.CodeOf(err)), err.Error())
}
