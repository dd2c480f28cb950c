package download

import (
	"cmp"
	"maps"
	"slices"

	"github.com/danferreira/gswarm/internal/task"
)

// queueKey is frozen when a task enters the ready queue so the tree never
// sees a key change underneath it.
type queueKey struct {
	priority  int
	remaining int64
	id        string
}

// queueOrder sorts larger priorities first, then the task closest to
// completion, then by id.
func queueOrder(a, b any) int {
	x, y := a.(queueKey), b.(queueKey)

	if c := cmp.Compare(y.priority, x.priority); c != 0 {
		return c
	}
	if c := cmp.Compare(x.remaining, y.remaining); c != 0 {
		return c
	}
	return cmp.Compare(x.id, y.id)
}

func (m *Manager) enqueue(t *task.Task) {
	if t == m.current {
		return
	}
	m.dequeue(t.ID())

	key := queueKey{priority: t.Info().Priority, remaining: t.Remaining(), id: t.ID()}
	m.queue.Add(key)
	m.queued[key.id] = key
}

func (m *Manager) dequeue(id string) {
	if key, ok := m.queued[id]; ok {
		m.queue.Remove(key)
		delete(m.queued, id)
	}
}

func (m *Manager) popReady() *task.Task {
	for {
		it := m.queue.Iterator()
		if !it.First() {
			return nil
		}

		key := it.Value().(queueKey)
		m.dequeue(key.id)
		if t, ok := m.tasks[key.id]; ok {
			return t
		}
	}
}

// readyOrder lists the queued ids head first.
func (m *Manager) readyOrder() []string {
	ids := make([]string, 0, m.queue.Size())
	for _, v := range m.queue.Values() {
		ids = append(ids, v.(queueKey).id)
	}
	return ids
}

func (m *Manager) sortedIDs() []string {
	return slices.Sorted(maps.Keys(m.tasks))
}
