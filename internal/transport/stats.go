package transport

import (
	"sync"
)

// Stats counts wire bytes across every connection of a transport, keep-alives
// included.
type Stats struct {
	mu         sync.Mutex
	Downloaded int64
	Uploaded   int64
}

func (s *Stats) GetSnapshot() (downloaded, uploaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Downloaded, s.Uploaded
}

func (s *Stats) UpdateDownloaded(amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded += amount
}

func (s *Stats) UpdateUploaded(amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Uploaded += amount
}
