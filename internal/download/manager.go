// Package download owns every task of a device and keeps exactly one of them
// transferring at a time.
//
// All state lives on the goroutine running Manager.Run. Exported methods post
// closures to it; tasks report back through typed events that the manager
// handles after each closure.
package download

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/message"
	"github.com/danferreira/gswarm/internal/task"
)

var ErrStopped = errors.New("download manager stopped")

type FileIndex interface {
	Wanted() ([]string, error)
	Lookup(id string) (index.Record, error)
	SetProgress(id string, received int64) error
	SetStatus(id string, status index.Status) error
	Finalize(id, hash string) error
}

type Broadcaster interface {
	Subscribe(ids []string)
	Unsubscribe(ids []string)
	Resubscribe(ids []string)
	Announce(id string, offset, length int64)
	PeerConnected(peer string)
}

// LocalCopier imports an object from a local source path when its content
// matches hash.
type LocalCopier interface {
	CopyLocal(ctx context.Context, source, hash string) (bool, error)
}

type Config struct {
	Task task.Config

	ResubscribeInterval time.Duration
	// ResponseWindow is how long a task may go without any peer response
	// before its subscription is renewed.
	ResponseWindow time.Duration
}

func NewDefaultConfig() Config {
	return Config{
		Task:                task.NewDefaultConfig(),
		ResubscribeInterval: 30 * time.Second,
		ResponseWindow:      time.Minute,
	}
}

type Deps struct {
	Index     FileIndex
	Transport task.Sender
	Broadcast Broadcaster
	Content   task.ContentStore
	Partials  task.PartialStore
	Copier    LocalCopier

	// Scheduler defaults to the manager's own loop.
	Scheduler task.Scheduler
	Rand      *rand.Rand
	Now       func() time.Time
}

type Manager struct {
	config Config
	deps   Deps

	ctx   context.Context
	inbox chan func()
	done  chan struct{}

	tasks        map[string]*task.Task
	queue        *treeset.Set
	queued       map[string]queueKey
	current      *task.Task
	paused       bool
	lastResponse map[string]time.Time

	pending []task.Event
}

func New(config Config, deps Deps) *Manager {
	m := &Manager{
		config: config,
		deps:   deps,

		ctx:   context.Background(),
		inbox: make(chan func(), 1024),
		done:  make(chan struct{}),

		tasks:        make(map[string]*task.Task),
		queue:        treeset.NewWith(queueOrder),
		queued:       make(map[string]queueKey),
		lastResponse: make(map[string]time.Time),
	}

	if m.deps.Scheduler == nil {
		m.deps.Scheduler = loopScheduler{m}
	}
	if m.deps.Rand == nil {
		m.deps.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if m.deps.Now == nil {
		m.deps.Now = time.Now
	}

	return m
}

// Run processes posted work until ctx is done. The current task is stopped on
// the way out so its snapshot is saved.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	defer close(m.done)

	ticker := time.NewTicker(m.config.ResubscribeInterval)
	defer ticker.Stop()

	m.exec(m.checkDownloads)

	for {
		select {
		case <-ctx.Done():
			slog.Info("download manager shutting down")
			m.exec(m.stopCurrent)
			return
		case fn := <-m.inbox:
			m.exec(fn)
		case <-ticker.C:
			m.exec(m.resubscribe)
		}
	}
}

func (m *Manager) exec(fn func()) {
	fn()
	m.flush()
}

func (m *Manager) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// HandleMessage routes an inbound protocol message to the task it is about.
func (m *Manager) HandleMessage(peer string, msg message.Message) {
	m.post(func() { m.handleMessage(peer, msg) })
}

func (m *Manager) PeerConnected(peer string) {
	m.post(func() { m.peerConnected(peer) })
}

func (m *Manager) PeerDisconnected(peer string) {
	m.post(func() { m.peerDisconnected(peer) })
}

// IndexChanged asks the manager to reconcile its tasks with the file index.
func (m *Manager) IndexChanged() {
	m.post(m.checkDownloads)
}

func (m *Manager) Pause() {
	m.post(m.pause)
}

func (m *Manager) Resume() {
	m.post(m.resume)
}

// Snapshot returns a copy of the manager state.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	ch := make(chan Snapshot, 1)
	if !m.post(func() { ch <- m.snapshot() }) {
		return Snapshot{}, ErrStopped
	}

	select {
	case s := <-ch:
		return s, nil
	case <-m.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (m *Manager) handleMessage(peer string, msg message.Message) {
	if batch, ok := msg.(message.Batch); ok {
		for _, inner := range batch.Messages {
			m.handleMessage(peer, inner)
		}
		return
	}

	keyed, ok := msg.(message.Keyed)
	if !ok {
		return
	}
	key := keyed.ObjectKey()
	if key.Type != message.ObjectFile {
		slog.Debug("dropping message for unsupported object type", "peer", peer, "type", key.Type)
		return
	}
	t, ok := m.tasks[key.ID]
	if !ok {
		slog.Debug("dropping message for untracked object", "peer", peer, "object", key.ID)
		return
	}

	switch v := msg.(type) {
	case message.AvailabilityResponse:
		m.lastResponse[key.ID] = m.deps.Now()
		t.OnAvailability(peer, toRanges(v.Ranges))
	case message.AvailabilityFailure:
		m.lastResponse[key.ID] = m.deps.Now()
		t.OnAvailabilityFailure(peer)
	case message.DataResponse:
		m.lastResponse[key.ID] = m.deps.Now()
		t.OnData(peer, v.Offset, v.Data)
	case message.DataFailure:
		m.lastResponse[key.ID] = m.deps.Now()
		t.OnDataFailure(peer, v.Offset, v.Length)
	default:
		slog.Debug("ignoring request, serving is handled elsewhere", "peer", peer, "id", msg.MessageID())
	}
}

func (m *Manager) peerConnected(peer string) {
	m.deps.Broadcast.PeerConnected(peer)
}

func (m *Manager) peerDisconnected(peer string) {
	for _, id := range m.sortedIDs() {
		if t, ok := m.tasks[id]; ok {
			t.OnPeerDisconnected(peer, false, true)
		}
	}
}

func (m *Manager) pause() {
	if m.paused {
		return
	}
	slog.Info("pausing downloads")
	m.paused = true
	m.stopCurrent()
}

func (m *Manager) resume() {
	if !m.paused {
		return
	}
	slog.Info("resuming downloads")
	m.paused = false
	m.startNextTask()
}

// stopCurrent parks the current task back in the ready queue.
func (m *Manager) stopCurrent() {
	t := m.current
	if t == nil || t.State() == task.Finishing {
		return
	}

	m.current = nil
	t.Stop()
	m.setStatus(t.ID(), index.Wanted)
	if t.Ready() {
		m.enqueue(t)
	}
}

// startNextTask promotes the head of the ready queue when nothing is running.
func (m *Manager) startNextTask() {
	for m.current == nil && !m.paused {
		t := m.popReady()
		if t == nil {
			return
		}

		if t.Check() {
			continue
		}
		if !t.Ready() || !t.Start() {
			continue
		}

		// Start may already have finished the task
		if _, tracked := m.tasks[t.ID()]; !tracked || (t.State() != task.Started && t.State() != task.Finishing) {
			continue
		}

		slog.Info("download started", "object", t.ID(), "priority", t.Info().Priority, "remaining", t.Remaining())
		m.current = t
		m.setStatus(t.ID(), index.Downloading)
	}
}

func (m *Manager) resubscribe() {
	now := m.deps.Now()

	var stale []string
	for _, id := range m.sortedIDs() {
		if now.Sub(m.lastResponse[id]) > m.config.ResponseWindow {
			stale = append(stale, id)
			m.lastResponse[id] = now
		}
	}

	if len(stale) > 0 {
		slog.Debug("resubscribing silent downloads", "count", len(stale))
		m.deps.Broadcast.Resubscribe(stale)
	}
}

func (m *Manager) setStatus(id string, status index.Status) {
	if err := m.deps.Index.SetStatus(id, status); err != nil {
		slog.Warn("failed to update index status", "object", id, "status", status, "error", err)
	}
}

type loopScheduler struct {
	m *Manager
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func()) task.Timer {
	return time.AfterFunc(d, func() { s.m.post(fn) })
}

func (s loopScheduler) Go(work func(), done func()) {
	go func() {
		work()
		s.m.post(done)
	}()
}

// detachedSender runs Reconnect off the manager goroutine. Dropping a link
// reports the disconnect back through the inbox, which may be full.
type detachedSender struct {
	task.Sender
}

func (s detachedSender) Reconnect(peer string) {
	go s.Sender.Reconnect(peer)
}
