package download

import (
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/danferreira/gswarm/internal/chunkmap"
	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/message"
	"github.com/danferreira/gswarm/internal/task"
)

// checkDownloads diffs the wanted set against tracked tasks. Unwanted tasks
// are cancelled; wanted objects get a task unless their content is already
// available locally.
func (m *Manager) checkDownloads() {
	ids, err := m.deps.Index.Wanted()
	if err != nil {
		slog.Warn("file index unavailable, skipping reconciliation", "error", err)
		return
	}

	wanted := mapset.NewThreadUnsafeSet(ids...)
	tracked := mapset.NewThreadUnsafeSet[string]()
	for id := range m.tasks {
		tracked.Add(id)
	}

	gone := tracked.Difference(wanted).ToSlice()
	slices.Sort(gone)
	for _, id := range gone {
		if t, ok := m.tasks[id]; ok {
			t.Cancel()
		}
	}

	added := wanted.Difference(tracked).ToSlice()
	slices.Sort(added)

	var subscribe []string
	for _, id := range added {
		rec, err := m.deps.Index.Lookup(id)
		if err != nil {
			slog.Warn("failed to look up wanted object", "object", id, "error", err)
			continue
		}

		if m.availableLocally(rec) {
			m.discardPartial(rec)
			m.finalize(rec.ID, rec.Hash)
			continue
		}

		m.tasks[id] = task.New(taskInfo(rec), m.config.Task, m.taskDeps())
		m.lastResponse[id] = m.deps.Now()
		subscribe = append(subscribe, id)
	}

	if len(subscribe) > 0 {
		slog.Info("tracking new downloads", "count", len(subscribe))
		m.deps.Broadcast.Subscribe(subscribe)
	}
}

func (m *Manager) availableLocally(rec index.Record) bool {
	has, err := m.deps.Content.Has(m.ctx, rec.Hash)
	if err != nil {
		slog.Warn("content lookup failed", "object", rec.ID, "error", err)
	}
	if has {
		slog.Info("content already present", "object", rec.ID)
		return true
	}

	if m.deps.Copier == nil || rec.LocalSource == "" {
		return false
	}

	ok, err := m.deps.Copier.CopyLocal(m.ctx, rec.LocalSource, rec.Hash)
	if err != nil {
		slog.Warn("local copy failed", "object", rec.ID, "source", rec.LocalSource, "error", err)
		return false
	}
	if ok {
		slog.Info("copied from local source", "object", rec.ID, "source", rec.LocalSource)
	}
	return ok
}

// discardPartial drops temp files an earlier, cancelled attempt left behind.
func (m *Manager) discardPartial(rec index.Record) {
	p, err := m.deps.Partials.Open(rec.ID, rec.Size)
	if err != nil {
		slog.Warn("failed to open leftover partial", "object", rec.ID, "error", err)
		return
	}
	if err := p.Discard(); err != nil {
		slog.Warn("failed to discard partial", "object", rec.ID, "error", err)
	}
}

func (m *Manager) taskDeps() task.Deps {
	return task.Deps{
		Ctx:       m.ctx,
		Sender:    detachedSender{m.deps.Transport},
		Emitter:   m,
		Scheduler: m.deps.Scheduler,
		Partials:  m.deps.Partials,
		Content:   m.deps.Content,
		Rand:      m.deps.Rand,
		Now:       m.deps.Now,
	}
}

func taskInfo(rec index.Record) task.Info {
	return task.Info{
		ID:       rec.ID,
		FileUUID: rec.FileUUID,
		Name:     rec.Name,
		Size:     rec.Size,
		Hash:     rec.Hash,
		Priority: rec.Priority,
	}
}

func toRanges(in []message.Range) []chunkmap.Range {
	out := make([]chunkmap.Range, 0, len(in))
	for _, r := range in {
		out = append(out, chunkmap.Range{Offset: r.Offset, Length: r.Length})
	}
	return out
}
