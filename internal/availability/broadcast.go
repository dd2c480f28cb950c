// Package availability asks peers which ranges they hold for the objects this
// device is downloading, and tells them about parts it can now serve.
package availability

import (
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/danferreira/gswarm/internal/message"
)

type Sender interface {
	Send(peer string, msg message.Message) error
}

type PeerLister interface {
	Peers() []string
}

type Broadcaster struct {
	sender     Sender
	peers      PeerLister
	subscribed mapset.Set[string]
}

func New(sender Sender, peers PeerLister) *Broadcaster {
	return &Broadcaster{
		sender:     sender,
		peers:      peers,
		subscribed: mapset.NewSet[string](),
	}
}

// Subscribe asks every connected peer for its ranges of ids.
func (b *Broadcaster) Subscribe(ids []string) {
	var fresh []string
	for _, id := range ids {
		if b.subscribed.Add(id) {
			fresh = append(fresh, id)
		}
	}
	b.requestAll(fresh)
}

// Unsubscribe tells peers to stop sending availability for ids.
func (b *Broadcaster) Unsubscribe(ids []string) {
	var msgs []message.Message
	for _, id := range ids {
		if b.subscribed.Contains(id) {
			b.subscribed.Remove(id)
			msgs = append(msgs, message.AvailabilityAbort{Key: message.FileKey(id)})
		}
	}
	b.sendAll(msgs)
}

// Resubscribe repeats the availability request for ids still subscribed.
func (b *Broadcaster) Resubscribe(ids []string) {
	var active []string
	for _, id := range ids {
		if b.subscribed.Contains(id) {
			active = append(active, id)
		}
	}
	b.requestAll(active)
}

// Announce publishes a range this device now holds.
func (b *Broadcaster) Announce(id string, offset, length int64) {
	b.sendAll([]message.Message{message.AvailabilityResponse{
		Key:    message.FileKey(id),
		Ranges: []message.Range{{Offset: offset, Length: length}},
	}})
}

// PeerConnected sends every current subscription to a new peer.
func (b *Broadcaster) PeerConnected(peer string) {
	ids := b.subscribed.ToSlice()
	slices.Sort(ids)
	b.send(peer, requests(ids))
}

func (b *Broadcaster) Subscribed() []string {
	ids := b.subscribed.ToSlice()
	slices.Sort(ids)
	return ids
}

func (b *Broadcaster) requestAll(ids []string) {
	b.sendAll(requests(ids))
}

func (b *Broadcaster) sendAll(msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}
	for _, peer := range b.peers.Peers() {
		b.send(peer, msgs)
	}
}

func (b *Broadcaster) send(peer string, msgs []message.Message) {
	var msg message.Message
	switch len(msgs) {
	case 0:
		return
	case 1:
		msg = msgs[0]
	default:
		msg = message.Batch{Messages: msgs}
	}

	if err := b.sender.Send(peer, msg); err != nil {
		slog.Debug("failed to send availability message", "peer", peer, "error", err)
	}
}

func requests(ids []string) []message.Message {
	msgs := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, message.AvailabilityRequest{Key: message.FileKey(id)})
	}
	return msgs
}
