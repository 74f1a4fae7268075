// package tasks implements the job handlers and periodic reconciler
// bodies that do the bridge's actual work: sourcing missing albums from
// the peer network, pruning stale downloads, and flagging duplicates.
//
// Handlers run inside the queue engine's workers; reconciler bodies run
// under the cooldown scheduler and mostly just enqueue jobs.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soundleaf/soundleaf/internal/breaker"
	"github.com/soundleaf/soundleaf/internal/clients"
	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/queue"
	"github.com/soundleaf/soundleaf/internal/scheduler"
	"github.com/soundleaf/soundleaf/internal/shared"
)

// Scheduled task names. These double as the settings namespace
// ("task.<name>.enabled" / "task.<name>.interval").
const (
	TaskLibrarySync   = "library_sync"
	TaskCleanup       = "cleanup"
	TaskDuplicateScan = "duplicate_scan"
)

// JobQueue is the slice of the queue engine handlers and reconcilers use.
type JobQueue interface {
	Enqueue(jobType queue.Type, payload map[string]any, opts *queue.EnqueueOpts) string
	GetJob(id string) (queue.Job, bool)
	ListJobs(status queue.Status, jobType queue.Type) []queue.Job
	SetResult(id, key string, value any)
	TrackExternal(id, handle string)
}

// TransferTracker is the monitor-facing view of the queue. The transfer
// monitor settles externally tracked jobs through it.
type TransferTracker interface {
	ExternallyTracked(jobType queue.Type) []queue.Job
	UpdateExternalProgress(id string, fields map[string]any)
	CompleteExternal(id string, fields map[string]any)
	FailExternal(id, msg string)
}

// Deps bundles the collaborators the handlers need.
type Deps struct {
	Queue         JobQueue
	Upstream      clients.Upstream
	Peer          clients.Peer
	Breakers      *breaker.Registry
	Index         *library.Index
	IncompleteDir string
	MusicDir      string
	Logger        *log.Logger
}

// Engine wires job handlers and scheduled tasks from a set of
// collaborators.
type Engine struct {
	deps   Deps
	logger *log.Logger
}

// NewEngine creates a task engine over deps.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Engine{deps: deps, logger: shared.WithLogger(logger, "component", "tasks")}
}

// TransferHandler returns the handler for transfer jobs. It searches the
// peer network for the album in the payload, starts a download from the
// best source, and hands the job off to the transfer monitor via the
// external handle.
func (e *Engine) TransferHandler() queue.Handler {
	peerBreaker := e.deps.Breakers.Get("peer")

	return func(ctx context.Context, job queue.Job) error {
		if e.deps.Peer == nil {
			return fmt.Errorf("%w: peer client not configured", shared.ErrInvalidArgument)
		}

		artist := job.PayloadString("artist")
		album := job.PayloadString("album")
		query := job.PayloadString("query")
		if query == "" {
			query = fmt.Sprintf("%s %s", artist, album)
		}

		results, err := breaker.Do(peerBreaker, func() ([]clients.SearchResult, error) {
			return e.deps.Peer.Search(ctx, query)
		})
		if err != nil {
			return fmt.Errorf("searching peers for %q: %w", query, err)
		}
		if len(results) == 0 {
			return fmt.Errorf("%w: no peers sharing %q", shared.ErrNoResults, query)
		}

		best := pickBest(results)
		e.deps.Queue.SetResult(job.ID, "username", best.Username)
		e.deps.Queue.SetResult(job.ID, "filename", best.Filename)

		transferID, err := breaker.Do(peerBreaker, func() (string, error) {
			return e.deps.Peer.Download(ctx, best.Username, best.Filename)
		})
		if err != nil {
			return fmt.Errorf("starting download of %q: %w", best.Filename, err)
		}

		// from here the monitor owns the outcome
		e.deps.Queue.TrackExternal(job.ID, transferID)

		if e.deps.Index != nil {
			partial := library.File{
				Path:     filepath.Join(e.deps.IncompleteDir, filepath.Base(best.Filename)),
				Artist:   artist,
				Title:    album,
				Size:     best.Size,
				Complete: false,
			}
			if err := e.deps.Index.AddFile(partial); err != nil {
				// download already started; the cleanup task will catch strays
				e.logger.Warn("failed to index partial download", "path", partial.Path, "err", err)
			}
		}

		e.logger.Info("download started", "job", job.ID, "peer", best.Username, "file", best.Filename)
		return nil
	}
}

// pickBest prefers peers with free slots, then higher bitrate, then size.
func pickBest(results []clients.SearchResult) clients.SearchResult {
	best := results[0]
	for _, r := range results[1:] {
		if r.SlotsFree != best.SlotsFree {
			if r.SlotsFree {
				best = r
			}
			continue
		}
		if r.BitRate != best.BitRate {
			if r.BitRate > best.BitRate {
				best = r
			}
			continue
		}
		if r.Size > best.Size {
			best = r
		}
	}
	return best
}

// IndexingTracker wraps tracker so a transfer job's completion also lands
// in the library index: the finished file moves from the incomplete
// directory into the music directory and the album is recorded, so the
// next library scan sees it as held instead of re-enqueuing the download.
func (e *Engine) IndexingTracker(tracker TransferTracker) TransferTracker {
	return &indexingTracker{engine: e, inner: tracker}
}

type indexingTracker struct {
	engine *Engine
	inner  TransferTracker
}

func (t *indexingTracker) ExternallyTracked(jobType queue.Type) []queue.Job {
	return t.inner.ExternallyTracked(jobType)
}

func (t *indexingTracker) UpdateExternalProgress(id string, fields map[string]any) {
	t.inner.UpdateExternalProgress(id, fields)
}

func (t *indexingTracker) FailExternal(id, msg string) {
	t.inner.FailExternal(id, msg)
}

// CompleteExternal records the finished download in the index before the
// job settles, so no scan can observe a completed transfer with no album.
func (t *indexingTracker) CompleteExternal(id string, fields map[string]any) {
	t.engine.recordCompleted(id, fields)
	t.inner.CompleteExternal(id, fields)
}

// recordCompleted indexes a finished transfer: move the file out of the
// incomplete directory, add the album, and flip the file row complete.
func (e *Engine) recordCompleted(id string, fields map[string]any) {
	if e.deps.Index == nil {
		return
	}
	job, ok := e.deps.Queue.GetJob(id)
	if !ok || job.Type != queue.TypeTransfer {
		return
	}

	artist := job.PayloadString("artist")
	album := job.PayloadString("album")

	filename, _ := fields["filename"].(string)
	if filename == "" {
		filename = job.ResultString("filename")
	}

	if artist != "" && album != "" {
		if err := e.deps.Index.AddAlbum(artist, album, job.PayloadString("upstream_id")); err != nil {
			e.logger.Warn("failed to index completed album", "artist", artist, "album", album, "err", err)
		}
	}

	if filename == "" {
		return
	}
	base := filepath.Base(filename)
	partial := filepath.Join(e.deps.IncompleteDir, base)
	final := partial
	if e.deps.MusicDir != "" {
		final = filepath.Join(e.deps.MusicDir, base)
		if err := os.Rename(partial, final); err != nil {
			e.logger.Warn("failed to move finished download", "from", partial, "to", final, "err", err)
			final = partial
		}
	}

	var size int64
	switch v := fields["bytes_transferred"].(type) {
	case int64:
		size = v
	case int:
		size = int64(v)
	case float64:
		size = int64(v)
	}

	if err := e.deps.Index.AddFile(library.File{
		Path:     final,
		Artist:   artist,
		Title:    album,
		Size:     size,
		Complete: true,
	}); err != nil {
		e.logger.Warn("failed to index finished download", "path", final, "err", err)
		return
	}
	if final != partial {
		if err := e.deps.Index.RemoveFile(partial); err != nil {
			e.logger.Warn("failed to deindex moved partial", "path", partial, "err", err)
		}
	}
	e.logger.Info("indexed completed transfer", "job", id, "artist", artist, "album", album, "path", final)
}

// OnJobCancelled is the queue engine's cancel hook. A cancelled transfer
// job with a live download asks the peer daemon to abort it, so the
// transfer does not keep consuming a slot after nobody wants it.
func (e *Engine) OnJobCancelled(job queue.Job) {
	if job.Type != queue.TypeTransfer || job.ExternalHandle == "" || e.deps.Peer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	peerBreaker := e.deps.Breakers.Get("peer")
	err := peerBreaker.Call(func() error {
		return e.deps.Peer.CancelDownload(ctx, job.ExternalHandle)
	})
	if err != nil && !errors.Is(err, shared.ErrTransferNotFound) {
		e.logger.Warn("failed to cancel peer download", "job", job.ID, "handle", job.ExternalHandle, "err", err)
		return
	}
	e.logger.Info("cancelled peer download", "job", job.ID, "handle", job.ExternalHandle)
}

// LibraryScanHandler returns the handler for library-scan jobs. It diffs
// the upstream library against the local index and enqueues a transfer
// job per missing album, skipping albums that already have one in flight.
func (e *Engine) LibraryScanHandler() queue.Handler {
	upstreamBreaker := e.deps.Breakers.Get("upstream")

	return func(ctx context.Context, job queue.Job) error {
		if e.deps.Upstream == nil {
			return fmt.Errorf("%w: upstream client not configured", shared.ErrInvalidArgument)
		}

		artists, err := breaker.Do(upstreamBreaker, func() ([]clients.Artist, error) {
			return e.deps.Upstream.FollowedArtists(ctx)
		})
		if err != nil {
			return fmt.Errorf("fetching followed artists: %w", err)
		}

		active := e.activeTransferKeys()
		checked, enqueued := 0, 0

		for _, artist := range artists {
			albums, err := breaker.Do(upstreamBreaker, func() ([]clients.Album, error) {
				return e.deps.Upstream.ArtistAlbums(ctx, artist.ID)
			})
			if err != nil {
				return fmt.Errorf("fetching albums for %s: %w", artist.Name, err)
			}

			for _, album := range albums {
				checked++
				have, err := e.deps.Index.HasAlbum(album.ArtistName, album.Name)
				if err != nil {
					return fmt.Errorf("checking index for %s - %s: %w", album.ArtistName, album.Name, err)
				}
				if have {
					continue
				}
				key := transferKey(album.ArtistName, album.Name)
				if active[key] {
					continue
				}
				active[key] = true

				e.deps.Queue.Enqueue(queue.TypeTransfer, map[string]any{
					"artist":      album.ArtistName,
					"album":       album.Name,
					"upstream_id": album.ID,
				}, nil)
				enqueued++
			}
		}

		e.deps.Queue.SetResult(job.ID, "albums_checked", checked)
		e.deps.Queue.SetResult(job.ID, "transfers_enqueued", enqueued)
		e.logger.Info("library scan finished", "artists", len(artists), "albums_checked", checked, "transfers_enqueued", enqueued)
		return nil
	}
}

// activeTransferKeys returns artist|album keys for every transfer job not
// yet terminal.
func (e *Engine) activeTransferKeys() map[string]bool {
	active := make(map[string]bool)
	for _, status := range []queue.Status{queue.StatusPending, queue.StatusRunning} {
		for _, j := range e.deps.Queue.ListJobs(status, queue.TypeTransfer) {
			active[transferKey(j.PayloadString("artist"), j.PayloadString("album"))] = true
		}
	}
	return active
}

func transferKey(artist, album string) string {
	return artist + "|" + album
}

// DuplicateScanHandler returns the handler for duplicate-scan jobs.
func (e *Engine) DuplicateScanHandler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		dupes, err := e.deps.Index.Duplicates()
		if err != nil {
			return fmt.Errorf("scanning for duplicates: %w", err)
		}

		groups := make([]map[string]any, 0, len(dupes))
		for _, d := range dupes {
			groups = append(groups, map[string]any{
				"artist": d.Artist,
				"title":  d.Title,
				"count":  d.Count,
				"paths":  d.Paths,
			})
		}
		e.deps.Queue.SetResult(job.ID, "duplicate_groups", len(dupes))
		e.deps.Queue.SetResult(job.ID, "duplicates", groups)
		e.logger.Info("duplicate scan finished", "groups", len(dupes))
		return nil
	}
}

// CleanupHandler returns the handler for cleanup jobs: stale incomplete
// downloads are removed from disk and from the index. Individual removal
// failures are recorded but do not fail the job, so one locked file
// cannot wedge the whole sweep.
func (e *Engine) CleanupHandler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		maxAge := 24 * time.Hour
		switch hours := job.Payload["max_age_hours"].(type) {
		case int:
			if hours > 0 {
				maxAge = time.Duration(hours) * time.Hour
			}
		case float64: // payloads enqueued over HTTP decode numbers as float64
			if hours > 0 {
				maxAge = time.Duration(hours) * time.Hour
			}
		}

		stale, err := e.deps.Index.StalePartials(maxAge)
		if err != nil {
			return fmt.Errorf("listing stale partials: %w", err)
		}

		removed, failed := 0, 0
		for _, f := range stale {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				e.logger.Warn("failed to remove stale partial", "path", f.Path, "err", err)
				failed++
				continue
			}
			if err := e.deps.Index.RemoveFile(f.Path); err != nil {
				e.logger.Warn("failed to deindex stale partial", "path", f.Path, "err", err)
				failed++
				continue
			}
			removed++
		}

		e.deps.Queue.SetResult(job.ID, "removed", removed)
		e.deps.Queue.SetResult(job.ID, "failed", failed)
		e.logger.Info("cleanup finished", "removed", removed, "failed", failed)
		return nil
	}
}

// ScheduledTasks returns the reconciler bodies for the cooldown
// scheduler. Each one enqueues its job type unless an instance is already
// pending or running.
func (e *Engine) ScheduledTasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: TaskLibrarySync, Run: e.enqueueIfIdle(queue.TypeLibraryScan)},
		{Name: TaskCleanup, Run: e.enqueueIfIdle(queue.TypeCleanup)},
		{Name: TaskDuplicateScan, Run: e.enqueueIfIdle(queue.TypeDuplicateScan)},
	}
}

func (e *Engine) enqueueIfIdle(jobType queue.Type) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, status := range []queue.Status{queue.StatusPending, queue.StatusRunning} {
			if len(e.deps.Queue.ListJobs(status, jobType)) > 0 {
				e.logger.Debug("skipping enqueue, job already active", "type", jobType)
				return nil
			}
		}
		id := e.deps.Queue.Enqueue(jobType, nil, nil)
		e.logger.Info("reconciler enqueued job", "type", jobType, "id", id)
		return nil
	}
}
