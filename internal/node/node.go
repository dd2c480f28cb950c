// Package node assembles a running device: index, stores, transport,
// availability broadcast, seeder and the download manager.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/danferreira/gswarm/internal/availability"
	"github.com/danferreira/gswarm/internal/config"
	"github.com/danferreira/gswarm/internal/download"
	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/message"
	"github.com/danferreira/gswarm/internal/seed"
	"github.com/danferreira/gswarm/internal/storage"
	"github.com/danferreira/gswarm/internal/transport"
)

type Node struct {
	config *config.Config

	index     *index.Index
	content   *storage.ContentStore
	partials  *storage.PartialStore
	transport *transport.Transport
	broadcast *availability.Broadcaster
	seeder    *seed.Seeder
	manager   *download.Manager

	changes <-chan struct{}
	ctx     context.Context
}

func New(c *config.Config) (*Node, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	idx, err := index.Open(c.IndexDir())
	if err != nil {
		return nil, err
	}

	content, err := storage.OpenDirContentStore(c.ContentDir())
	if err != nil {
		idx.Close()
		return nil, err
	}

	partials, err := storage.NewPartialStore(afero.NewOsFs(), c.PartialDir())
	if err != nil {
		content.Close()
		idx.Close()
		return nil, err
	}

	tr := transport.New(c.Device(), c.TransportConfig())
	bc := availability.New(tr, tr)

	sc := seed.NewDefaultConfig()
	sc.MaxRequestLength = c.Download.PartSize

	n := &Node{
		config:    c,
		index:     idx,
		content:   content,
		partials:  partials,
		transport: tr,
		broadcast: bc,
		seeder:    seed.New(sc, idx, content, partials, tr),
		changes:   idx.Changes(),
		ctx:       context.Background(),
	}

	n.manager = download.New(c.ManagerConfig(), download.Deps{
		Index:     idx,
		Transport: tr,
		Broadcast: bc,
		Content:   content,
		Partials:  partials,
		Copier:    content,
	})

	return n, nil
}

func (n *Node) Index() *index.Index {
	return n.index
}

func (n *Node) Manager() *download.Manager {
	return n.manager
}

func (n *Node) Peers() []string {
	return n.transport.Peers()
}

// Traffic reports wire bytes received and sent since start.
func (n *Node) Traffic() (downloaded, uploaded int64) {
	return n.transport.Stats().GetSnapshot()
}

// Run blocks until ctx is done or the transport fails to start.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.ctx = ctx

	slog.Info("starting node", "device", n.config.DeviceID, "data_dir", n.config.DataDir)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.manager.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-n.changes:
				if !ok {
					return
				}
				n.manager.IndexChanged()
			}
		}
	}()

	err := n.transport.Run(ctx, n)
	cancel()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

func (n *Node) Close() error {
	return errors.Join(n.content.Close(), n.index.Close())
}

func (n *Node) HandleMessage(peer string, msg message.Message) {
	n.manager.HandleMessage(peer, msg)
	n.seeder.HandleMessage(n.ctx, peer, msg)
}

func (n *Node) PeerConnected(peer string) {
	n.manager.PeerConnected(peer)
}

func (n *Node) PeerDisconnected(peer string) {
	n.manager.PeerDisconnected(peer)
}
