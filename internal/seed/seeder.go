// Package seed answers availability and data requests. Completed objects are
// served from the content store; objects still downloading are served from
// the parts their temp file already holds.
package seed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danferreira/gswarm/internal/chunkmap"
	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/message"
)

type Catalog interface {
	Lookup(id string) (index.Record, error)
}

type ContentReader interface {
	ReadRange(ctx context.Context, hash string, offset, length int64) ([]byte, error)
}

// PartialReader exposes the persisted progress of in-progress objects.
type PartialReader interface {
	Coverage(objID string, size int64) (*chunkmap.Map, error)
	ReadRange(objID string, offset, length int64) ([]byte, error)
}

type Sender interface {
	Send(peer string, msg message.Message) error
}

type Config struct {
	MaxRequestLength int64
}

func NewDefaultConfig() Config {
	return Config{MaxRequestLength: 1 << 20}
}

type Seeder struct {
	config   Config
	catalog  Catalog
	content  ContentReader
	partials PartialReader
	sender   Sender
}

func New(config Config, catalog Catalog, content ContentReader, partials PartialReader, sender Sender) *Seeder {
	return &Seeder{
		config:   config,
		catalog:  catalog,
		content:  content,
		partials: partials,
		sender:   sender,
	}
}

// HandleMessage serves the request side of msg. Responses meant for the
// downloader are ignored.
func (s *Seeder) HandleMessage(ctx context.Context, peer string, msg message.Message) {
	switch m := msg.(type) {
	case message.Batch:
		for _, inner := range m.Messages {
			s.HandleMessage(ctx, peer, inner)
		}
	case message.AvailabilityRequest:
		s.handleAvailability(peer, m.Key)
	case message.DataRequest:
		s.handleData(ctx, peer, m)
	}
}

func (s *Seeder) handleAvailability(peer string, key message.Key) {
	rec, ok := s.lookup(key)
	if !ok {
		s.send(peer, message.AvailabilityFailure{Key: key, Reason: "not available"})
		return
	}

	if rec.Status == index.Completed {
		s.send(peer, message.AvailabilityResponse{
			Key:    key,
			Ranges: []message.Range{{Offset: 0, Length: rec.Size}},
		})
		return
	}

	cov := s.coverage(rec)
	if cov.Empty() {
		s.send(peer, message.AvailabilityFailure{Key: key, Reason: "not available"})
		return
	}

	ranges := make([]message.Range, 0, cov.Len())
	for _, r := range cov.Ranges() {
		ranges = append(ranges, message.Range{Offset: r.Offset, Length: r.Length})
	}
	s.send(peer, message.AvailabilityResponse{Key: key, Ranges: ranges})
}

func (s *Seeder) handleData(ctx context.Context, peer string, req message.DataRequest) {
	rec, ok := s.lookup(req.Key)
	if !ok {
		s.fail(peer, req, "not available")
		return
	}

	if req.Length <= 0 || req.Length > s.config.MaxRequestLength {
		s.fail(peer, req, "invalid length")
		return
	}
	if req.Offset < 0 || req.Offset > rec.Size-req.Length {
		s.fail(peer, req, "range exceeds object")
		return
	}

	var (
		data []byte
		err  error
	)
	switch {
	case rec.Status == index.Completed:
		data, err = s.content.ReadRange(ctx, rec.Hash, req.Offset, req.Length)
	case s.coverage(rec).Contains(req.Offset, req.Length):
		data, err = s.partials.ReadRange(rec.ID, req.Offset, req.Length)
	default:
		s.fail(peer, req, "not available")
		return
	}
	if err != nil {
		slog.Warn("failed to read served range", "object", rec.ID, "offset", req.Offset, "error", err)
		s.fail(peer, req, "read failed")
		return
	}

	s.send(peer, message.DataResponse{Key: req.Key, Offset: req.Offset, Data: data})
}

func (s *Seeder) lookup(key message.Key) (index.Record, bool) {
	if key.Type != message.ObjectFile {
		return index.Record{}, false
	}

	rec, err := s.catalog.Lookup(key.ID)
	if err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			slog.Warn("failed to look up served object", "object", key.ID, "error", err)
		}
		return index.Record{}, false
	}
	return rec, true
}

// coverage is empty when nothing of rec is on disk yet.
func (s *Seeder) coverage(rec index.Record) *chunkmap.Map {
	if s.partials == nil {
		return chunkmap.New()
	}
	cov, err := s.partials.Coverage(rec.ID, rec.Size)
	if err != nil {
		slog.Debug("no servable parts", "object", rec.ID, "error", err)
		return chunkmap.New()
	}
	return cov
}

func (s *Seeder) fail(peer string, req message.DataRequest, reason string) {
	s.send(peer, message.DataFailure{Key: req.Key, Offset: req.Offset, Length: req.Length, Reason: reason})
}

func (s *Seeder) send(peer string, msg message.Message) {
	if err := s.sender.Send(peer, msg); err != nil {
		slog.Debug("failed to answer peer", "peer", peer, "error", err)
	}
}
