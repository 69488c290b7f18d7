// Package implant defines the per-implant record and its state machine: the
// central entity the listener authenticates against, mutates on every
// check-in, and drains tasks and file transfers from. See spec §3 and §4.3.
package implant

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// State is the implant's coarse lifecycle state. LATE is modeled as a
// boolean flag layered on top of ACTIVE rather than as a distinct State
// value — the source treats it the same way, and collapsing it keeps
// HasActive()-style checks (ACTIVE or LATE both count) a single comparison.
// See DESIGN.md for the reasoning.
type State int

const (
	// StateNew covers both the wire protocol's "NEW" and "KEYED" labels: a
	// record always has its symmetric key from the moment it is created, so
	// there is no observable gap between the two.
	StateNew State = iota
	StateActive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// HostingFile is the single-shot server-to-implant transfer slot.
type HostingFile struct {
	Path string
	ID   string
}

// ActivationFields carries the decrypted registration payload's identifying
// fields (spec §4.5: i, u, h, o, p, P, r).
type ActivationFields struct {
	IPInternal  string
	Username    string
	Hostname    string
	OSBuild     string
	PID         int
	ProcessName string
	RiskyMode   bool
}

// Snapshot is an immutable copy of a Record's fields, taken under lock and
// safe to pass to I/O (DB persistence, logging) after the lock is released.
type Snapshot struct {
	ID            string
	WorkspaceUUID string
	IPExternal    string
	IPInternal    string
	Username      string
	Hostname      string
	OSBuild       string
	PID           int
	ProcessName   string
	RiskyMode     bool
	LastCheckin   time.Time
	CheckinCount  int64
	Late          bool
	State         State
}

// Record is one implant's full state. All mutation happens through its
// methods, which take the internal lock for the minimum time needed — never
// across network or disk I/O. Handlers that need to persist a Record copy
// fields via Snapshot() after releasing the lock implicitly (Snapshot itself
// takes and releases it).
type Record struct {
	mu sync.Mutex

	// fileMu serializes a single implant's hosted/receiving file transfers
	// end-to-end, including the disk I/O — held across I/O deliberately
	// (unlike mu), since spec §5 only requires transfers be serialized per
	// implant, not that check-ins block on them. Handlers must not hold mu
	// while holding fileMu.
	fileMu sync.Mutex

	id            string
	encryptionKey []byte // immutable after creation; never mutated post-NewRecord
	workspaceUUID string
	ipExternal    string
	ipInternal    string
	username      string
	hostname      string
	osBuild       string
	pid           int
	processName   string
	riskyMode     bool

	pendingTasks []string // FIFO queue, opaque JSON envelope strings

	hostingFile   *HostingFile
	receivingFile string

	lastCheckin  time.Time
	checkinCount int64
	late         bool
	state        State

	results map[string]string // task id -> raw result blob, for the result handler
}

// New creates a fresh NEW-state record with a server-generated id and key.
// The key is immutable for the lifetime of the record.
func New(id string, encryptionKey []byte) *Record {
	return &Record{
		id:            id,
		encryptionKey: encryptionKey,
		state:         StateNew,
		results:       make(map[string]string),
	}
}

// ID returns the implant's server-generated id. Immutable, safe unlocked.
func (r *Record) ID() string { return r.id }

// EncryptionKey returns the implant's symmetric key. Never log or echo this
// value in any response — see spec invariant "key secrecy".
func (r *Record) EncryptionKey() []byte { return r.encryptionKey }

// SetWorkspaceIfAbsent backfills workspace_uuid on a later registration POST
// if the implant did not already have one (supplemented feature: the
// original allows a second POST to carry the tag when the first omitted it).
func (r *Record) SetWorkspaceIfAbsent(tag string) {
	if tag == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workspaceUUID == "" {
		r.workspaceUUID = tag
	}
}

// Activate transitions NEW -> ACTIVE, recording the identification fields
// from the decrypted registration payload and bumping the check-in counter.
// Returns false if the record was not in NEW state (e.g. a replayed POST).
func (r *Record) Activate(fields ActivationFields, observedExternalIP string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateNew {
		return false
	}

	r.ipInternal = fields.IPInternal
	r.username = fields.Username
	r.hostname = fields.Hostname
	r.osBuild = fields.OSBuild
	r.pid = fields.PID
	r.processName = fields.ProcessName
	r.riskyMode = fields.RiskyMode
	r.ipExternal = observedExternalIP
	r.state = StateActive
	r.lastCheckin = time.Now()
	r.checkinCount++
	return true
}

// IsActive reports whether the record counts as active for registry
// purposes — spec's has_active(): true for ACTIVE or LATE.
func (r *Record) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateActive
}

// State returns the current coarse state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkDead transitions the record to DEAD regardless of current state. Only
// the (out-of-scope) admin plane calls this; exposed for completeness of the
// state machine and for tests.
func (r *Record) MarkDead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateDead
}

// MarkLate sets the late flag; called by the (out-of-scope) liveness
// monitor. A task poll clears it via Touch.
func (r *Record) MarkLate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.late = true
}

// Touch performs the atomic check-in update a task poll always makes:
// last_checkin advances, checkin_count increments, late clears. Per spec §5
// these three effects (plus ip_external, updated separately) must never be
// observed torn.
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheckin = time.Now()
	r.checkinCount++
	r.late = false
}

// SetExternalIP updates ip_external if it differs, reporting whether a
// change occurred so the caller can emit the (non-bad-request) operator log
// line spec §4.6 describes.
func (r *Record) SetExternalIP(ip string) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ipExternal == ip {
		return false
	}
	r.ipExternal = ip
	return true
}

// EnqueueTask appends a task envelope to the FIFO queue. Called by the
// (out-of-scope) admin plane; exposed so tests can simulate enqueue/poll
// interleaving (spec testable property 3).
func (r *Record) EnqueueTask(envelope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTasks = append(r.pendingTasks, envelope)
}

// DequeueTask atomically pops the oldest pending task, if any. It takes and
// releases the record lock on its own, so a Touch followed by DequeueTask is
// two separate critical sections; TouchAndDequeue is the single operation
// that performs the check-in update and the pop under one lock hold.
func (r *Record) DequeueTask() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pendingTasks) == 0 {
		return "", false
	}
	task := r.pendingTasks[0]
	r.pendingTasks = r.pendingTasks[1:]
	return task, true
}

// TouchAndDequeue performs the check-in update and FIFO dequeue as one
// atomic operation, matching spec §4.6's requirement that the queue
// length be re-read after the check-in update rather than before.
func (r *Record) TouchAndDequeue() (task string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheckin = time.Now()
	r.checkinCount++
	r.late = false
	if len(r.pendingTasks) == 0 {
		return "", false
	}
	task = r.pendingTasks[0]
	r.pendingTasks = r.pendingTasks[1:]
	return task, true
}

// PeekKillCommand scans pending tasks for a command=="kill" field purely for
// logging — it has no effect on delivery order or state. Supplemented from
// the original source; spec §9 preserves this as informational-only.
func (r *Record) PeekKillCommand() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.pendingTasks {
		var peek struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(t), &peek); err != nil {
			continue
		}
		if strings.EqualFold(peek.Command, "kill") {
			return true
		}
	}
	return false
}

// LockFileTransfer acquires the per-implant file-transfer serialization
// lock. Callers hold it across the full hosted/receiving file operation,
// including disk I/O, so that at most one transfer is ever in flight for a
// given implant (spec §5 "implementers SHOULD serialize transfers per
// implant").
func (r *Record) LockFileTransfer() { r.fileMu.Lock() }

// UnlockFileTransfer releases the file-transfer serialization lock.
func (r *Record) UnlockFileTransfer() { r.fileMu.Unlock() }

// SetHostingFile sets the legacy single-shot hosting slot.
func (r *Record) SetHostingFile(path, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostingFile = &HostingFile{Path: path, ID: id}
}

// HostingFile returns the current hosting slot, if set.
func (r *Record) HostingFile() (HostingFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostingFile == nil {
		return HostingFile{}, false
	}
	return *r.hostingFile, true
}

// ClearHostingFile clears the legacy hosting slot. Spec §5: cleared on
// success or on any terminal error of that branch, never left dangling
// across a disconnect.
func (r *Record) ClearHostingFile() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostingFile = nil
}

// SetReceivingFile sets the single-shot downloaded-file destination path.
func (r *Record) SetReceivingFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivingFile = path
}

// ReceivingFile returns the current receiving-file destination, if set.
func (r *Record) ReceivingFile() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receivingFile == "" {
		return "", false
	}
	return r.receivingFile, true
}

// ClearReceivingFile clears the receiving slot on any terminal outcome.
func (r *Record) ClearReceivingFile() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivingFile = ""
}

// StoreResult associates a decrypted result blob with its task id.
func (r *Record) StoreResult(taskID, blob string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[taskID] = blob
}

// Snapshot copies the fields a DB persistence call needs. Take it, release
// the lock (implicit — Snapshot returns after unlocking), then do I/O.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:            r.id,
		WorkspaceUUID: r.workspaceUUID,
		IPExternal:    r.ipExternal,
		IPInternal:    r.ipInternal,
		Username:      r.username,
		Hostname:      r.hostname,
		OSBuild:       r.osBuild,
		PID:           r.pid,
		ProcessName:   r.processName,
		RiskyMode:     r.riskyMode,
		LastCheckin:   r.lastCheckin,
		CheckinCount:  r.checkinCount,
		Late:          r.late,
		State:         r.state,
	}
}
