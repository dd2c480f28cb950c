package task

import (
	"maps"
	"slices"
	"time"

	"github.com/danferreira/gswarm/internal/chunkmap"
	"github.com/danferreira/gswarm/internal/message"
)

type peerState struct {
	available *chunkmap.Map
	requested *chunkmap.Map

	lastReceive time.Time
	// responses received since the pipeline to this peer was last refilled
	downloadedCount int
	timeouts        int
}

func newPeerState() *peerState {
	return &peerState{
		available: chunkmap.New(),
		requested: chunkmap.New(),
	}
}

func (t *Task) peer(id string) *peerState {
	p, ok := t.peers[id]
	if !ok {
		p = newPeerState()
		t.peers[id] = p
	}
	return p
}

func (t *Task) sortedPeers() []string {
	return slices.Sorted(maps.Keys(t.peers))
}

// OnAvailability merges ranges a peer advertises for this object.
func (t *Task) OnAvailability(peer string, ranges []chunkmap.Range) {
	if t.state.terminal() {
		return
	}

	p := t.peer(peer)
	p.lastReceive = t.deps.Now()

	added := false
	for _, r := range ranges {
		end := min(r.End(), t.info.Size)
		if r.Offset < 0 || end <= r.Offset {
			continue
		}
		if p.available.Insert(r.Offset, end-r.Offset) {
			added = true
		}
	}

	if !added {
		return
	}

	t.logger.Debug("availability updated", "peer", peer, "ranges", p.available.String())

	if !t.ready && t.restart == nil && t.hasUsefulPeers() {
		t.ready = true
		t.emit(Ready{ID: t.info.ID})
	}

	if t.state == Started {
		t.schedule(peer)
	}
}

// OnData stores a data response. Bytes already downloaded are skipped.
func (t *Task) OnData(peer string, offset int64, data []byte) {
	if t.state != Started {
		return
	}
	p, ok := t.peers[peer]
	if !ok {
		t.logger.Debug("data from unknown peer", "peer", peer)
		return
	}

	length := int64(len(data))
	if offset < 0 || offset+length > t.info.Size {
		t.logger.Warn("data outside object", "peer", peer, "offset", offset, "length", length)
		return
	}

	now := t.deps.Now()
	p.lastReceive = now
	p.timeouts = 0
	p.requested.Remove(offset, length)
	p.downloadedCount++

	fresh := chunkmap.New()
	fresh.Insert(offset, length)
	fresh.Subtract(t.downloaded)

	var written []chunkmap.Range
	for _, r := range fresh.Ranges() {
		chunk := data[r.Offset-offset : r.End()-offset]
		if _, err := t.partial.WriteAt(chunk, r.Offset); err != nil {
			t.logger.Error("failed to write chunk", "offset", r.Offset, "error", err)
			continue
		}
		t.downloaded.Insert(r.Offset, r.Length)
		t.wanted.Remove(r.Offset, r.Length)
		t.received += r.Length
		written = append(written, r)
	}

	if len(written) > 0 {
		t.reportProgress()
		t.reportParts(written)
	}

	if t.wanted.Empty() {
		t.finish()
		return
	}

	t.schedule(peer)
}

func (t *Task) reportProgress() {
	pct := t.percent()
	if pct <= t.lastProgress {
		return
	}
	t.lastProgress = pct
	t.emit(Progress{ID: t.info.ID, Received: t.received, Size: t.info.Size})
}

// reportParts persists the snapshot and announces every part that the
// written ranges completed.
func (t *Task) reportParts(written []chunkmap.Range) {
	var parts []chunkmap.Range
	seen := make(map[int64]bool)

	for _, r := range written {
		for idx := r.Offset / t.config.PartSize; idx <= (r.End()-1)/t.config.PartSize; idx++ {
			if seen[idx] {
				continue
			}
			seen[idx] = true

			start := idx * t.config.PartSize
			length := min(t.config.PartSize, t.info.Size-start)
			if t.downloaded.Contains(start, length) {
				parts = append(parts, chunkmap.Range{Offset: start, Length: length})
			}
		}
	}

	if len(parts) == 0 {
		return
	}

	t.saveSnapshot()
	for _, part := range parts {
		t.emit(PartDownloaded{ID: t.info.ID, Offset: part.Offset, Length: part.Length})
	}
}

// OnDataFailure forgets that peer has the range; the peer stays usable for
// the rest of the object.
func (t *Task) OnDataFailure(peer string, offset, length int64) {
	p, ok := t.peers[peer]
	if !ok || t.state.terminal() {
		return
	}

	t.logger.Debug("peer failed data request", "peer", peer, "offset", offset, "length", length)
	p.available.Remove(offset, length)
	p.requested.Remove(offset, length)
	t.rebalance()
}

// OnAvailabilityFailure drops everything known about the peer for this object.
func (t *Task) OnAvailabilityFailure(peer string) {
	if _, ok := t.peers[peer]; !ok || t.state.terminal() {
		return
	}

	t.logger.Debug("peer cannot serve object", "peer", peer)
	t.release(peer, true)
	delete(t.peers, peer)
	t.rebalance()
}

// OnPeerDisconnected handles a lost or timed out peer. In-flight requests are
// always released. A hard disconnect also forgets the peer's availability and
// strikes, and asks the transport to reconnect if the connection is alive.
func (t *Task) OnPeerDisconnected(peer string, alive, hard bool) {
	if _, ok := t.peers[peer]; !ok || t.state.terminal() {
		return
	}

	t.logger.Debug("peer released", "peer", peer, "alive", alive, "hard", hard)
	t.release(peer, alive)

	if hard {
		delete(t.peers, peer)
		if alive {
			t.deps.Sender.Reconnect(peer)
		}
	}

	t.rebalance()
}

func (t *Task) release(peer string, abort bool) {
	p := t.peers[peer]
	if abort && t.state == Started {
		t.abort(peer, p)
	}
	p.requested.Clear()
	p.downloadedCount = 0
}

// rebalance demotes the task if no peer can help anymore, otherwise refills
// every peer's pipeline.
func (t *Task) rebalance() {
	if t.state == Finishing {
		return
	}
	if !t.hasUsefulPeers() {
		t.Stop()
		if t.ready {
			t.ready = false
			t.emit(NotReady{ID: t.info.ID})
		}
		return
	}

	if t.state == Started {
		for _, peer := range t.sortedPeers() {
			t.schedule(peer)
		}
	}
}

func (t *Task) hasUsefulPeers() bool {
	for _, p := range t.peers {
		useful := p.available.Clone()
		useful.Subtract(t.downloaded)
		if !useful.Empty() {
			return true
		}
	}
	return false
}

func (t *Task) checkTimeouts() {
	now := t.deps.Now()

	for _, peer := range t.sortedPeers() {
		p, ok := t.peers[peer]
		if !ok || p.requested.Empty() || now.Sub(p.lastReceive) <= t.config.Timeout {
			continue
		}

		p.timeouts++
		hard := p.timeouts >= t.config.TimeoutsLimit
		t.logger.Warn("peer timed out", "peer", peer, "strikes", p.timeouts, "hard", hard)
		t.OnPeerDisconnected(peer, true, hard)

		if t.state != Started {
			return
		}
	}
}

// schedule fills the peer's request pipeline.
func (t *Task) schedule(peer string) {
	if t.state != Started {
		return
	}
	p, ok := t.peers[peer]
	if !ok {
		return
	}

	outstanding := (p.requested.Size() + t.config.ChunkSize - 1) / t.config.ChunkSize
	if outstanding > 0 && int64(p.downloadedCount)*4 < outstanding {
		return
	}
	p.downloadedCount = 0

	for {
		budget := t.config.maxPeerBytes() - p.requested.Size()
		if budget < t.config.ChunkSize {
			return
		}

		r, ok := t.pick(p, budget)
		if !ok {
			return
		}

		if p.requested.Empty() {
			p.lastReceive = t.deps.Now()
		}
		p.requested.Insert(r.Offset, r.Length)

		if err := t.request(peer, r); err != nil {
			t.logger.Debug("failed to send request", "peer", peer, "error", err)
			p.requested.Remove(r.Offset, r.Length)
			return
		}
	}
}

// pick chooses the next range to request from p, at most budget bytes long
// and never crossing a part boundary.
func (t *Task) pick(p *peerState, budget int64) (chunkmap.Range, bool) {
	candidates := p.available.Clone()
	candidates.Subtract(t.downloaded)

	inFlight := chunkmap.New()
	for _, q := range t.peers {
		inFlight.Merge(q.requested)
	}

	strict := candidates.Clone()
	strict.Subtract(inFlight)

	if strict.Empty() {
		if inFlight.Size()+t.received < t.info.Size {
			return chunkmap.Range{}, false
		}
		// end-game: allow duplicates of what other peers are slow to deliver
		candidates.Subtract(p.requested)
	} else {
		candidates = strict
	}

	ranges := candidates.Ranges()
	if len(ranges) == 0 {
		return chunkmap.Range{}, false
	}

	iv := ranges[t.deps.Rand.IntN(len(ranges))]
	first := iv.Offset / t.config.PartSize
	last := (iv.End() - 1) / t.config.PartSize
	idx := first + t.deps.Rand.Int64N(last-first+1)

	start := max(idx*t.config.PartSize, iv.Offset)
	end := min((idx+1)*t.config.PartSize, iv.End(), start+budget)

	return chunkmap.Range{Offset: start, Length: end - start}, true
}

func (t *Task) request(peer string, r chunkmap.Range) error {
	key := message.FileKey(t.info.ID)

	for off := r.Offset; off < r.End(); off += t.config.ChunkSize {
		length := min(t.config.ChunkSize, r.End()-off)
		if err := t.deps.Sender.Send(peer, message.DataRequest{Key: key, Offset: off, Length: length}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) abort(peer string, p *peerState) {
	key := message.FileKey(t.info.ID)

	for _, r := range p.requested.Ranges() {
		if err := t.deps.Sender.Send(peer, message.DataAbort{Key: key, Offset: r.Offset, Length: r.Length}); err != nil {
			t.logger.Debug("failed to send abort", "peer", peer, "error", err)
			return
		}
	}
}

func (t *Task) abortAll() {
	for _, peer := range t.sortedPeers() {
		p := t.peers[peer]
		t.abort(peer, p)
		p.requested.Clear()
		p.downloadedCount = 0
	}
}
