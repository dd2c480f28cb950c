package task

import (
	"fmt"
	"time"
)

// finish hashes the assembled object off the owning goroutine and installs it
// into the content store when the hash matches.
func (t *Task) finish() {
	if t.state != Started {
		return
	}

	t.logger.Info("all chunks downloaded, verifying")
	t.state = Finishing
	t.disarmChecker()
	t.abortAll()
	t.saveSnapshot()

	p := t.partial
	hash := t.info.Hash
	ctx := t.deps.Ctx
	content := t.deps.Content

	var (
		sum   string
		err   error
		match bool
	)

	t.hashing = true
	t.deps.Scheduler.Go(func() {
		sum, err = p.Sum()
		if err != nil || sum != hash {
			return
		}
		match = true

		if err = p.Close(); err != nil {
			return
		}
		if err = content.Install(ctx, p.Path, hash); err != nil {
			return
		}
		if derr := p.Discard(); derr != nil {
			t.logger.Warn("failed to remove snapshot", "error", derr)
		}
	}, func() {
		t.hashing = false
		t.verified(sum, match, err)
	})
}

func (t *Task) verified(sum string, match bool, err error) {
	if t.state != Finishing {
		// cancelled while hashing
		if !match && t.partial != nil {
			t.partial.Close()
		}
		return
	}

	switch {
	case match && err != nil:
		t.logger.Error("failed to install verified content", "error", err)
		t.fail(fmt.Errorf("install %s: %w", t.info.Hash, err))
	case match:
		t.logger.Info("download verified")
		t.partial = nil
		t.complete(Finished, nil)
	default:
		if err != nil {
			t.logger.Error("failed to hash partial", "error", err)
		}
		t.verifyFailures++
		t.logger.Warn("hash mismatch", "expected", t.info.Hash, "got", sum, "failures", t.verifyFailures)
		t.corrupted()
	}
}

// corrupted throws away all progress. The task restarts after a backoff
// until MaxVerifyFailures is reached.
func (t *Task) corrupted() {
	if t.verifyFailures >= t.config.MaxVerifyFailures {
		if err := t.partial.Discard(); err != nil {
			t.logger.Warn("failed to discard partial", "error", err)
		}
		t.partial = nil
		t.fail(ErrCorrupted)
		return
	}

	if err := t.partial.Reset(); err != nil {
		t.logger.Warn("failed to reset partial", "error", err)
	}

	t.downloaded.Clear()
	t.wanted = t.full()
	t.received = 0
	t.lastProgress = 0
	for _, p := range t.peers {
		p.requested.Clear()
		p.downloadedCount = 0
	}

	t.state = NotStarted
	if t.ready {
		t.ready = false
		t.emit(NotReady{ID: t.info.ID})
	}
	t.emit(Progress{ID: t.info.ID, Received: 0, Size: t.info.Size})

	backoff := t.config.VerifyBackoff * time.Duration(t.verifyFailures)
	t.logger.Info("restarting download", "backoff", backoff)

	t.cancelRestart()
	seq := t.restartSeq
	t.restart = t.deps.Scheduler.AfterFunc(backoff, func() {
		if seq != t.restartSeq || t.state != NotStarted {
			return
		}
		t.restart = nil
		if t.hasUsefulPeers() {
			t.ready = true
			t.emit(Ready{ID: t.info.ID})
		}
	})
}
