package store

import (
	"context"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/duskrelay/beaconsrv/implant"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitializeAndUpdateImplant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := implant.New("impl-1", []byte("k"))
	r.Activate(implant.ActivationFields{Username: "u", Hostname: "h"}, "1.2.3.4")

	if err := s.InitializeImplant(ctx, r.Snapshot(), "server-1"); err != nil {
		t.Fatal(err)
	}

	r.Touch()
	if err := s.UpdateImplant(ctx, r.Snapshot()); err != nil {
		t.Fatal(err)
	}

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM implants WHERE id = ?`, "impl-1").Scan(&count)
	if count != 1 {
		t.Fatalf("expected 1 implant row, got %d", count)
	}
}

func TestFileHashMapping_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.StoreFileHashMapping(ctx, "abc123", "report.txt", "/uploads/report.txt"); err != nil {
		t.Fatal(err)
	}

	filename, path, ok, err := s.GetFileInfoByHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || filename != "report.txt" || path != "/uploads/report.txt" {
		t.Fatalf("got filename=%q path=%q ok=%v", filename, path, ok)
	}

	if _, _, ok, err := s.GetFileInfoByHash(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestLogCheckinAndFileTransfer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.LogCheckin(ctx, "impl-1", true, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.LogFileTransfer(ctx, "impl-1", "report.txt", 1024, "UPLOAD"); err != nil {
		t.Fatal(err)
	}

	var count int
	s.db.QueryRow(`SELECT COUNT(*) FROM checkin_log`).Scan(&count)
	if count != 1 {
		t.Fatalf("checkin_log count: got %d", count)
	}
	s.db.QueryRow(`SELECT COUNT(*) FROM file_transfer_log`).Scan(&count)
	if count != 1 {
		t.Fatalf("file_transfer_log count: got %d", count)
	}
}
