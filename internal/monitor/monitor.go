// package monitor bridges the gap between a transfer job's handler
// returning and the download actually finishing on the peer daemon.
//
// Transfer handlers start a download, record the daemon's transfer id on
// the job, and return. The [Monitor] then polls the daemon on its own
// loop, independent of the queue's workers, and settles each tracked job
// once the daemon reports a terminal state.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soundleaf/soundleaf/internal/breaker"
	"github.com/soundleaf/soundleaf/internal/clients"
	"github.com/soundleaf/soundleaf/internal/queue"
	"github.com/soundleaf/soundleaf/internal/shared"
)

// JobTracker is the narrow slice of the queue engine the monitor needs.
// These four methods are the engine's sanctioned ownership exception for
// externally tracked jobs.
type JobTracker interface {
	ExternallyTracked(jobType queue.Type) []queue.Job
	UpdateExternalProgress(id string, fields map[string]any)
	CompleteExternal(id string, fields map[string]any)
	FailExternal(id, msg string)
}

// Monitor polls the peer daemon and maps transfer states back onto the
// queue's transfer jobs.
type Monitor struct {
	jobs     JobTracker
	peer     clients.Peer
	br       *breaker.Breaker
	interval time.Duration
	logger   *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor polling every interval. The peer client is called
// through br so a dead daemon fails fast instead of piling up timeouts.
func New(jobs JobTracker, peer clients.Peer, br *breaker.Breaker, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Monitor{
		jobs:     jobs,
		peer:     peer,
		br:       br,
		interval: interval,
		logger:   shared.WithLogger(logger, "component", "monitor"),
	}
}

// Start launches the poll loop. Stop cancels it.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("monitor started", "interval", m.interval)
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("monitor stopped")
				return
			case <-ticker.C:
				if err := m.Poll(ctx); err != nil {
					// next tick retries; tracked jobs are left as they were
					m.logger.Warn("poll tick failed", "err", err)
				}
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Poll runs one reconciliation pass: fetch the daemon's transfer list in a
// single batched call and settle every tracked job whose transfer reached
// a terminal state. Jobs whose handle the daemon no longer knows are left
// untouched.
func (m *Monitor) Poll(ctx context.Context) error {
	tracked := m.jobs.ExternallyTracked(queue.TypeTransfer)
	if len(tracked) == 0 {
		return nil
	}

	transfers, err := breaker.Do(m.br, func() ([]clients.Transfer, error) {
		return m.peer.Transfers(ctx)
	})
	if err != nil {
		return fmt.Errorf("listing transfers: %w", err)
	}

	byID := make(map[string]clients.Transfer, len(transfers))
	for _, t := range transfers {
		byID[t.ID] = t
	}

	for _, job := range tracked {
		transfer, ok := byID[job.ExternalHandle]
		if !ok {
			// reaped on the daemon side; leave the job alone rather than
			// guessing an outcome
			m.logger.Debug("no transfer record for tracked job", "id", job.ID, "handle", job.ExternalHandle)
			continue
		}
		m.apply(job, transfer)
	}

	return nil
}

// apply maps one transfer state onto its job.
func (m *Monitor) apply(job queue.Job, transfer clients.Transfer) {
	switch transfer.State {
	case clients.TransferSucceeded:
		m.jobs.CompleteExternal(job.ID, map[string]any{
			"bytes_transferred": transfer.BytesTransferred,
			"percent_complete":  100.0,
			"filename":          transfer.Filename,
		})
		m.logger.Info("transfer completed", "id", job.ID, "file", transfer.Filename)
	case clients.TransferErrored:
		msg := transfer.Error
		if msg == "" {
			msg = "transfer failed on peer daemon"
		}
		m.jobs.FailExternal(job.ID, msg)
		m.logger.Warn("transfer failed", "id", job.ID, "file", transfer.Filename, "err", msg)
	case clients.TransferQueued, clients.TransferInProgress:
		m.jobs.UpdateExternalProgress(job.ID, map[string]any{
			"state":             transfer.State,
			"bytes_transferred": transfer.BytesTransferred,
			"percent_complete":  transfer.PercentComplete,
		})
	default:
		m.logger.Debug("unrecognized transfer state", "id", job.ID, "state", transfer.State)
	}
}
