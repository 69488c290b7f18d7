// Package reqauth implements the implant-facing listener's three-header
// authenticator and the bad-request reason taxonomy reported when a check
// fails. No authentication outcome is ever surfaced to the caller beyond a
// boolean and an opaque 404 — the Reason values exist purely for the
// operator-facing notification path.
package reqauth

import (
	"context"
	"net/http"
)

// Reason enumerates why an inbound request was rejected. Never written to
// an HTTP response; consumed only by a Reporter for operator visibility.
type Reason string

const (
	BadKey            Reason = "BAD_KEY"
	UserAgentMismatch Reason = "USER_AGENT_MISMATCH"
	IDNotFound        Reason = "ID_NOT_FOUND"
	NoTaskGUID        Reason = "NO_TASK_GUID"
	NotHostingFile    Reason = "NOT_HOSTING_FILE"
	IncorrectFileID   Reason = "INCORRECT_FILE_ID"
	NotReceivingFile  Reason = "NOT_RECEIVING_FILE"
)

// Reporter receives bad-request notifications. Implementations must not
// block the calling handler goroutine for long; the listener's default
// implementation (package notify) buffers asynchronously.
type Reporter interface {
	ReportBadRequest(ctx context.Context, reason Reason, remoteAddr, requestID string)
}

// NoIDSentinel is the X-Request-ID value substituted when the header is
// absent, per spec: "absent = NO_ID".
const NoIDSentinel = "NO_ID"

// Shibboleths holds the configured values every implant-facing request is
// checked against.
type Shibboleths struct {
	AllowKey  string // expected X-Correlation-ID
	UserAgent string // expected User-Agent
}

// Result is the outcome of authenticating one request.
type Result struct {
	OK        bool
	ImplantID string // from X-Request-ID, NoIDSentinel if absent
	Workspace string // from X-Robots-Tag; only meaningful at registration
	TaskID    string // from Content-MD5; only meaningful at file transfer
}

// Authenticate performs the three-header check described in spec §4.4. On
// failure it reports UserAgentMismatch via reporter and returns a zero-value
// Result with OK=false — callers must respond with the opaque 404 and never
// attempt to distinguish which header failed.
func Authenticate(r *http.Request, shib Shibboleths, reporter Reporter) Result {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = NoIDSentinel
	}

	if r.Header.Get("X-Correlation-ID") != shib.AllowKey || r.Header.Get("User-Agent") != shib.UserAgent {
		if reporter != nil {
			reporter.ReportBadRequest(r.Context(), UserAgentMismatch, r.RemoteAddr, id)
		}
		return Result{}
	}

	return Result{
		OK:        true,
		ImplantID: id,
		Workspace: r.Header.Get("X-Robots-Tag"),
		TaskID:    r.Header.Get("Content-MD5"),
	}
}
