package download

import (
	"errors"
	"log/slog"

	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/task"
)

// Emit queues a task event. Events are handled after the closure that caused
// them returns.
func (m *Manager) Emit(e task.Event) {
	m.pending = append(m.pending, e)
}

func (m *Manager) flush() {
	for len(m.pending) > 0 {
		e := m.pending[0]
		m.pending = m.pending[1:]
		m.handleEvent(e)
	}
	m.pending = nil
}

func (m *Manager) handleEvent(e task.Event) {
	id := e.ObjectID()
	t, ok := m.tasks[id]
	if !ok {
		return
	}

	switch ev := e.(type) {
	case task.Ready:
		m.enqueue(t)
		m.startNextTask()

	case task.NotReady:
		m.dequeue(id)
		if m.current == t {
			slog.Info("current download lost its peers", "object", id)
			m.current = nil
			m.setStatus(id, index.Wanted)
		}
		m.startNextTask()

	case task.Completed:
		m.remove(t)
		m.completed(ev)
		m.startNextTask()

	case task.PartDownloaded:
		m.deps.Broadcast.Announce(id, ev.Offset, ev.Length)

	case task.Progress:
		if err := m.deps.Index.SetProgress(id, ev.Received); err != nil {
			slog.Warn("failed to update progress", "object", id, "error", err)
		}
	}
}

func (m *Manager) remove(t *task.Task) {
	id := t.ID()
	delete(m.tasks, id)
	delete(m.lastResponse, id)
	m.dequeue(id)
	if m.current == t {
		m.current = nil
	}
	m.deps.Broadcast.Unsubscribe([]string{id})
}

func (m *Manager) completed(ev task.Completed) {
	switch {
	case ev.Err == nil:
		slog.Info("download completed", "object", ev.ID, "hash", ev.Hash)
		m.finalize(ev.ID, ev.Hash)
	case errors.Is(ev.Err, task.ErrCancelled):
		slog.Info("download cancelled", "object", ev.ID)
	default:
		slog.Error("download failed", "object", ev.ID, "error", ev.Err)
		m.setStatus(ev.ID, index.Failed)
	}
}

func (m *Manager) finalize(id, hash string) {
	if err := m.deps.Index.Finalize(id, hash); err != nil {
		slog.Error("failed to finalize download", "object", id, "error", err)
	}
}
