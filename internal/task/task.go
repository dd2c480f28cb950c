// Package task implements the per-object download state machine.
//
// A Task is not safe for concurrent use. Every method, timer callback and
// verification result must run on the single goroutine that owns it; the
// Scheduler passed in Deps is how the task gets back onto that goroutine.
package task

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/danferreira/gswarm/internal/chunkmap"
	"github.com/danferreira/gswarm/internal/message"
	"github.com/danferreira/gswarm/internal/storage"
)

var (
	ErrCancelled = errors.New("download cancelled")
	ErrCorrupted = errors.New("downloaded content does not match its hash")
)

type Sender interface {
	Send(peer string, msg message.Message) error
	Reconnect(peer string)
}

type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks on the task's owning goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	// Go runs work on another goroutine, then done on the owning one.
	Go(work func(), done func())
}

type PartialStore interface {
	Open(objID string, size int64) (*storage.Partial, error)
}

type ContentStore interface {
	Has(ctx context.Context, hash string) (bool, error)
	Install(ctx context.Context, tempPath, hash string) error
}

type Deps struct {
	Ctx       context.Context
	Sender    Sender
	Emitter   Emitter
	Scheduler Scheduler
	Partials  PartialStore
	Content   ContentStore

	Rand *rand.Rand
	Now  func() time.Time
}

type Info struct {
	ID       string
	FileUUID string
	Name     string
	Size     int64
	Hash     string
	Priority int
}

type State uint8

const (
	NotStarted State = iota
	Started
	Finishing
	Finished
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "Queued"
	case Started:
		return "Downloading"
	case Finishing:
		return "Verifying"
	case Finished:
		return "Finished"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	}

	return ""
}

func (s State) terminal() bool {
	return s == Finished || s == Cancelled || s == Failed
}

type Task struct {
	info   Info
	config Config
	deps   Deps
	logger *slog.Logger

	state       State
	ready       bool
	initialized bool
	hashing     bool

	received     int64
	wanted       *chunkmap.Map
	downloaded   *chunkmap.Map
	peers        map[string]*peerState
	lastProgress int64

	partial *storage.Partial

	checker        Timer
	checkerSeq     int
	restart        Timer
	restartSeq     int
	verifyFailures int
}

func New(info Info, config Config, deps Deps) *Task {
	if deps.Ctx == nil {
		deps.Ctx = context.Background()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}

	t := &Task{
		info:   info,
		config: config,
		deps:   deps,
		logger: slog.With("object", info.ID),

		downloaded: chunkmap.New(),
		peers:      make(map[string]*peerState),
	}
	t.wanted = t.full()

	return t
}

func (t *Task) ID() string       { return t.info.ID }
func (t *Task) Info() Info       { return t.info }
func (t *Task) State() State     { return t.state }
func (t *Task) Ready() bool      { return t.ready }
func (t *Task) Received() int64  { return t.received }
func (t *Task) Remaining() int64 { return t.info.Size - t.received }
func (t *Task) Peers() int       { return len(t.peers) }

// Downloaded returns a copy of the locally written ranges.
func (t *Task) Downloaded() *chunkmap.Map {
	return t.downloaded.Clone()
}

// Start begins or resumes downloading. It returns false if the task cannot
// run anymore.
func (t *Task) Start() bool {
	switch {
	case t.state == Started:
		return true
	case t.state != NotStarted:
		return false
	}

	if !t.initialized {
		if err := t.load(); err != nil {
			t.logger.Error("failed to open partial", "error", err)
			t.fail(err)
			return false
		}
	}

	t.logger.Info("starting download", "received", t.received, "size", t.info.Size)
	t.state = Started

	if t.wanted.Empty() {
		t.finish()
		return true
	}

	t.armChecker()
	for _, peer := range t.sortedPeers() {
		t.schedule(peer)
	}

	return true
}

func (t *Task) load() error {
	p, err := t.deps.Partials.Open(t.info.ID, t.info.Size)
	if err != nil {
		return err
	}
	t.partial = p

	ranges, err := p.LoadSnapshot()
	if err != nil {
		t.logger.Warn("ignoring unreadable snapshot", "error", err)
		ranges = nil
	}

	t.downloaded = chunkmap.FromRanges(ranges)
	t.wanted = t.full()
	t.wanted.Subtract(t.downloaded)
	t.received = t.downloaded.Size()
	t.lastProgress = t.percent()
	t.initialized = true

	if t.received > 0 {
		t.logger.Info("resuming from snapshot", "ranges", t.downloaded.String())
	}
	return nil
}

// Stop pauses the download. Outstanding requests are aborted, progress is
// kept.
func (t *Task) Stop() {
	if t.state != Started {
		return
	}

	t.logger.Info("stopping download")
	t.abortAll()
	t.disarmChecker()
	t.saveSnapshot()
	t.state = NotStarted
}

// Cancel terminates the task for good and emits Completed with ErrCancelled.
func (t *Task) Cancel() {
	if t.state.terminal() {
		return
	}

	t.logger.Info("cancelling download")
	if t.state == Started {
		t.abortAll()
	}
	t.complete(Cancelled, ErrCancelled)
}

// Check reports whether the object is already in the content store, and if
// so finishes the task without downloading.
func (t *Task) Check() bool {
	switch t.state {
	case Finished:
		return true
	case Cancelled, Failed, Finishing:
		return false
	}

	has, err := t.deps.Content.Has(t.deps.Ctx, t.info.Hash)
	if err != nil {
		t.logger.Warn("content lookup failed", "error", err)
		return false
	}
	if !has {
		return false
	}

	t.logger.Info("content already present")
	if t.state == Started {
		t.abortAll()
	}
	t.discardPartial()
	t.complete(Finished, nil)
	return true
}

// discardPartial removes the temp file and snapshot, including ones left by
// an earlier attempt that this task never opened.
func (t *Task) discardPartial() {
	p := t.partial
	t.partial = nil
	if p == nil {
		var err error
		if p, err = t.deps.Partials.Open(t.info.ID, t.info.Size); err != nil {
			t.logger.Warn("failed to open leftover partial", "error", err)
			return
		}
	}
	if err := p.Discard(); err != nil {
		t.logger.Warn("failed to discard partial", "error", err)
	}
}

// complete moves the task to a terminal state and emits Completed once.
func (t *Task) complete(state State, err error) {
	if t.state.terminal() {
		return
	}

	t.state = state
	t.ready = false
	t.disarmChecker()
	t.cancelRestart()

	if t.partial != nil && !t.hashing {
		if cerr := t.partial.Close(); cerr != nil {
			t.logger.Warn("failed to close partial", "error", cerr)
		}
	}

	t.emit(Completed{ID: t.info.ID, Hash: t.info.Hash, Err: err})
}

func (t *Task) fail(err error) {
	t.complete(Failed, err)
}

func (t *Task) emit(e Event) {
	if t.deps.Emitter != nil {
		t.deps.Emitter.Emit(e)
	}
}

func (t *Task) full() *chunkmap.Map {
	m := chunkmap.New()
	m.Insert(0, t.info.Size)
	return m
}

func (t *Task) percent() int64 {
	if t.info.Size == 0 {
		return 100
	}
	return t.received * 100 / t.info.Size
}

func (t *Task) saveSnapshot() {
	if t.partial == nil {
		return
	}
	if err := t.partial.SaveSnapshot(t.downloaded.Ranges()); err != nil {
		t.logger.Warn("failed to save snapshot", "error", err)
	}
}

func (t *Task) armChecker() {
	t.disarmChecker()

	seq := t.checkerSeq
	t.checker = t.deps.Scheduler.AfterFunc(t.config.CheckInterval, func() {
		if seq != t.checkerSeq || t.state != Started {
			return
		}
		t.checkTimeouts()
		if seq == t.checkerSeq && t.state == Started {
			t.armChecker()
		}
	})
}

func (t *Task) disarmChecker() {
	t.checkerSeq++
	if t.checker != nil {
		t.checker.Stop()
		t.checker = nil
	}
}

func (t *Task) cancelRestart() {
	t.restartSeq++
	if t.restart != nil {
		t.restart.Stop()
		t.restart = nil
	}
}
