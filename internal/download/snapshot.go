package download

type TaskStatus struct {
	ID       string
	Name     string
	Size     int64
	Received int64
	Priority int
	State    string
	Ready    bool
	Peers    int
	Current  bool
}

type Snapshot struct {
	Tasks   []TaskStatus
	Queue   []string
	Current string
	Paused  bool
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{
		Tasks:  make([]TaskStatus, 0, len(m.tasks)),
		Queue:  m.readyOrder(),
		Paused: m.paused,
	}
	if m.current != nil {
		s.Current = m.current.ID()
	}

	for _, id := range m.sortedIDs() {
		t := m.tasks[id]
		info := t.Info()
		s.Tasks = append(s.Tasks, TaskStatus{
			ID:       id,
			Name:     info.Name,
			Size:     info.Size,
			Received: t.Received(),
			Priority: info.Priority,
			State:    t.State().String(),
			Ready:    t.Ready(),
			Peers:    t.Peers(),
			Current:  t == m.current,
		})
	}

	return s
}
