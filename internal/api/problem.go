package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Reason is the failure label also used for metrics.
	Reason string `json:"reason,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type for problem responses.
const ContentTypeProblemJSON = "application/problem+json"

func writeProblem(w http.ResponseWriter, status int, reason, detail string) {
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Reason: reason,
	})
}

// writeError maps a submission error onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	reason := core.FailureReason(err)
	writeProblem(w, statusFor(err), reason, err.Error())
}

func statusFor(err error) int {
	var (
		verr *core.ValidationError
		kerr *core.KernelError
		uerr *core.UnitFailureError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &kerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &uerr):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrShutdown), errors.Is(err, core.ErrNoUnits):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
