// Package gateway runs the command validation pipeline: parse, authenticate,
// check freshness, consume the nonce, authorize, forward, audit.
package gateway

import (
	"fmt"
	"net/http"
)

// Stage is a position in the validation pipeline.
type Stage uint8

const (
	StageReceived Stage = iota
	StageParsed
	StageAuthenticated
	StageFresh
	StageNonReplayed
	StageAuthorized
	StageForwarded
	StageAudited
	StageResponded
	StageRejected
)

var stageNames = [...]string{
	StageReceived:      "Received",
	StageParsed:        "Parsed",
	StageAuthenticated: "Authenticated",
	StageFresh:         "Fresh",
	StageNonReplayed:   "NonReplayed",
	StageAuthorized:    "Authorized",
	StageForwarded:     "Forwarded",
	StageAudited:       "Audited",
	StageResponded:     "Responded",
	StageRejected:      "Rejected",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// Reason tags a rejected request.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonMalformedRequest
	ReasonAuthenticationFailure
	ReasonStaleRequest
	ReasonReplayDetected
	ReasonAuthorizationDenied
	ReasonDownstreamUnavailable
	ReasonAuditFailure
	ReasonReplayGuardUnavailable
	ReasonRateLimited
)

type reasonInfo struct {
	name    string
	message string
	status  int
}

var reasons = [...]reasonInfo{
	ReasonNone:                   {"", "", http.StatusOK},
	ReasonMalformedRequest:       {"MalformedRequest", "Malformed Request", http.StatusBadRequest},
	ReasonAuthenticationFailure:  {"AuthenticationFailure", "Invalid Signature", http.StatusUnauthorized},
	ReasonStaleRequest:           {"StaleRequest", "Stale Timestamp", http.StatusUnauthorized},
	ReasonReplayDetected:         {"ReplayDetected", "Replay Detected", http.StatusConflict},
	ReasonAuthorizationDenied:    {"AuthorizationDenied", "Not Authorized", http.StatusForbidden},
	ReasonDownstreamUnavailable:  {"DownstreamUnavailable", "Robot Server Unreachable", http.StatusBadGateway},
	ReasonAuditFailure:           {"AuditFailure", "Audit Failure", http.StatusInternalServerError},
	ReasonReplayGuardUnavailable: {"ReplayGuardUnavailable", "Replay Guard Unavailable", http.StatusServiceUnavailable},
	ReasonRateLimited:            {"RateLimited", "Rate Limited", http.StatusTooManyRequests},
}

func (r Reason) info() reasonInfo {
	if int(r) < len(reasons) {
		return reasons[r]
	}
	return reasonInfo{fmt.Sprintf("Reason(%d)", uint8(r)), "Internal Error", http.StatusInternalServerError}
}

// String is the metric and log label.
func (r Reason) String() string { return r.info().name }

// Message is the text sent to clients. It never carries internal detail.
func (r Reason) Message() string { return r.info().message }

func (r Reason) HTTPStatus() int { return r.info().status }

// Reasons lists every rejection reason.
func Reasons() []Reason {
	out := make([]Reason, 0, len(reasons)-1)
	for r := ReasonMalformedRequest; int(r) < len(reasons); r++ {
		out = append(out, r)
	}
	return out
}

// Rejection is the error carried by a rejected outcome. Stage is the last
// stage the request reached.
type Rejection struct {
	Reason Reason
	Stage  Stage
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return fmt.Sprintf("%s after %s", r.Reason, r.Stage)
	}
	return fmt.Sprintf("%s after %s: %v", r.Reason, r.Stage, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }
