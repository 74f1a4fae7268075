package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/soundleaf/soundleaf/internal/server"
	"github.com/soundleaf/soundleaf/internal/shared"
	"github.com/urfave/cli/v3"
)

func queueCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Control the job queue",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show queue, breaker, and task status",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{Name: "json", Usage: "Output raw JSON"},
				},
				Action: r.QueueStatus,
			},
			{
				Name:   "pause",
				Usage:  "Stop dispatching new jobs; running jobs finish",
				Flags:  []cli.Flag{configFlag()},
				Action: r.QueuePause,
			},
			{
				Name:   "resume",
				Usage:  "Resume dispatching jobs",
				Flags:  []cli.Flag{configFlag()},
				Action: r.QueueResume,
			},
			{
				Name:      "concurrency",
				Usage:     "Set the max number of simultaneously running jobs",
				ArgsUsage: "<limit>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.QueueConcurrency,
			},
		},
	}
}

// QueueStatus prints the daemon's status snapshot.
func (r *Runner) QueueStatus(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	var snapshot server.StatusSnapshot
	if err := r.apiDo(ctx, http.MethodGet, "/status", nil, &snapshot); err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(snapshot, true)
	}

	stats := snapshot.Queue
	state := "running"
	if !stats.Running {
		state = "stopped"
	} else if stats.Paused {
		state = "paused"
	}
	r.writePlain("Queue: %s\n", state)
	r.writePlain("  depth=%d active=%d/%d workers=%d\n", stats.QueueDepth, stats.ActiveJobs, stats.MaxConcurrentJobs, stats.Workers)
	r.writePlain("  processed=%d failed=%d retried=%d\n", stats.Processed, stats.Failed, stats.Retried)

	if len(snapshot.Breakers) > 0 {
		r.writePlain("Breakers:\n")
		for name, state := range snapshot.Breakers {
			r.writePlain("  %s: %s\n", name, state)
		}
	}
	if len(snapshot.Tasks) > 0 {
		r.writePlain("Tasks:\n")
		for name, last := range snapshot.Tasks {
			if last.IsZero() {
				r.writePlain("  %s: never run\n", name)
			} else {
				r.writePlain("  %s: last run %s\n", name, last.Format("2006-01-02 15:04:05"))
			}
		}
	}
	return nil
}

// QueuePause pauses job dispatch.
func (r *Runner) QueuePause(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)
	if err := r.apiDo(ctx, http.MethodPost, "/queue/pause", nil, nil); err != nil {
		return err
	}
	return r.writePlain("Queue paused\n")
}

// QueueResume resumes job dispatch.
func (r *Runner) QueueResume(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)
	if err := r.apiDo(ctx, http.MethodPost, "/queue/resume", nil, nil); err != nil {
		return err
	}
	return r.writePlain("Queue resumed\n")
}

// QueueConcurrency updates the concurrency limit at runtime.
func (r *Runner) QueueConcurrency(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	limit := cmd.Args().First()
	if limit == "" {
		return r.writePlain("usage: soundleaf queue concurrency <limit>\n")
	}

	parsed, err := strconv.Atoi(limit)
	if err != nil {
		return fmt.Errorf("%w: invalid limit %q", shared.ErrInvalidArgument, limit)
	}
	if err := r.apiDo(ctx, http.MethodPut, "/queue/concurrency", map[string]int{"limit": parsed}, nil); err != nil {
		return err
	}
	return r.writePlain("Concurrency limit set to %d\n", parsed)
}
