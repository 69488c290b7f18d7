// Package notify is the listener's operator notification sink: it is the
// narrow interface the listener calls into on registration, activation, and
// bad-request events. The delivery channels an operator might actually wire
// up (Slack, email, a dashboard) are out of scope — this package only
// defines the interface the listener needs and a default implementation
// that logs and persists asynchronously, in the style of an audit trail.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/duskrelay/beaconsrv/idgen"
	"github.com/duskrelay/beaconsrv/reqauth"
)

// Kind identifies the category of a notification.
type Kind string

const (
	KindRegistration  Kind = "registration"
	KindActivation    Kind = "activation"
	KindBadRequest    Kind = "bad_request"
	KindFileTransfer  Kind = "file_transfer"
	KindExternalIPSet Kind = "external_ip_changed"
)

// Event is one operator-facing notification.
type Event struct {
	EntryID    string
	Timestamp  time.Time
	Kind       Kind
	ImplantID  string
	RemoteAddr string
	Reason     string // bad-request reason, empty otherwise
	Detail     string // free-form JSON, e.g. {"filename":"x","size":123}
}

// Sink is the interface the listener depends on. AsyncSink is the default
// implementation; tests may supply a fake.
type Sink interface {
	Notify(e Event)
	ReportBadRequest(ctx context.Context, reason reqauth.Reason, remoteAddr, requestID string)
	Close() error
}

// AsyncSink buffers notifications on a channel and flushes them to SQLite
// in batches, falling back to a synchronous insert if the buffer is full.
// Every event is also logged via slog regardless of persistence outcome.
type AsyncSink struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan Event
	stop  chan struct{}
	done  chan struct{}
}

// NewAsyncSink creates a sink backed by db. Recommended bufferSize: 256.
// db may be nil, in which case notifications are logged via slog only.
func NewAsyncSink(db *sql.DB, bufferSize int) *AsyncSink {
	s := &AsyncSink{
		db:    db,
		newID: idgen.Prefixed("ntf_", idgen.Default),
		ch:    make(chan Event, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Init creates the notification_log table if it doesn't already exist.
// No-op if the sink has no database.
func (s *AsyncSink) Init() error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS notification_log (
		entry_id    TEXT PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		implant_id  TEXT NOT NULL,
		remote_addr TEXT NOT NULL,
		reason      TEXT NOT NULL,
		detail      TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("notify: init schema: %w", err)
	}
	return nil
}

// Notify queues e for async persistence and logs it immediately.
func (s *AsyncSink) Notify(e Event) {
	if e.EntryID == "" {
		e.EntryID = s.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	level := slog.LevelInfo
	if e.Kind == KindBadRequest {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "operator notification",
		"kind", e.Kind, "implant_id", e.ImplantID, "remote_addr", e.RemoteAddr,
		"reason", e.Reason, "detail", e.Detail)

	if s.db == nil {
		return
	}
	select {
	case s.ch <- e:
	default:
		if err := s.insert(context.Background(), e); err != nil {
			slog.Error("notify: sync fallback insert failed", "error", err)
		}
	}
}

// ReportBadRequest implements reqauth.Reporter.
func (s *AsyncSink) ReportBadRequest(_ context.Context, reason reqauth.Reason, remoteAddr, requestID string) {
	s.Notify(Event{Kind: KindBadRequest, ImplantID: requestID, RemoteAddr: remoteAddr, Reason: string(reason)})
}

// Close drains the buffer and stops the flush goroutine.
func (s *AsyncSink) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *AsyncSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.insertBatch(ctx, batch); err != nil {
			slog.Error("notify: flush batch failed", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stop:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *AsyncSink) insert(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_log
		(entry_id, timestamp, kind, implant_id, remote_addr, reason, detail)
		VALUES (?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), string(e.Kind), e.ImplantID, e.RemoteAddr, e.Reason, e.Detail)
	return err
}

func (s *AsyncSink) insertBatch(ctx context.Context, batch []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("notify: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO notification_log
		(entry_id, timestamp, kind, implant_id, remote_addr, reason, detail)
		VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("notify: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.EntryID, e.Timestamp.Unix(), string(e.Kind),
			e.ImplantID, e.RemoteAddr, e.Reason, e.Detail); err != nil {
			slog.Error("notify: insert", "error", err, "entry_id", e.EntryID)
		}
	}
	return tx.Commit()
}
