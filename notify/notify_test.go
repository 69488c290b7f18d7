package notify

import (
	"context"
	"testing"
	"time"

	"github.com/duskrelay/beaconsrv/dbopen"
	"github.com/duskrelay/beaconsrv/reqauth"
	_ "modernc.org/sqlite"
)

func TestAsyncSink_LogOnly(t *testing.T) {
	s := NewAsyncSink(nil, 16)
	defer s.Close()
	s.Notify(Event{Kind: KindRegistration, ImplantID: "impl-1", RemoteAddr: "1.2.3.4:5555"})
	s.ReportBadRequest(context.Background(), reqauth.UserAgentMismatch, "1.2.3.4:5555", "impl-1")
}

func TestAsyncSink_Persists(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewAsyncSink(db, 16)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	s.Notify(Event{Kind: KindActivation, ImplantID: "impl-1", RemoteAddr: "1.2.3.4:5555", Detail: `{"hostname":"box"}`})
	s.ReportBadRequest(context.Background(), reqauth.IDNotFound, "5.6.7.8:1111", "NO_ID")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notification_log`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 persisted notifications, got %d", count)
	}
}

func TestAsyncSink_SyncFallbackWhenBufferFull(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := NewAsyncSink(db, 1)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Notify(Event{Kind: KindRegistration, ImplantID: "impl-x", RemoteAddr: "0.0.0.0:0"})
	}
	time.Sleep(10 * time.Millisecond) // let the flush loop catch up

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM notification_log`).Scan(&count)
	if count == 0 {
		t.Fatal("expected at least some notifications persisted")
	}
}
