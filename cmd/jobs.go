package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/soundleaf/soundleaf/internal/server"
	"github.com/soundleaf/soundleaf/internal/ui"
	"github.com/urfave/cli/v3"
)

func jobsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Inspect and manage queued jobs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List jobs, optionally filtered by status and type",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "status", Usage: "Filter by status (pending, running, completed, failed, cancelled)"},
					&cli.StringFlag{Name: "type", Usage: "Filter by job type"},
					&cli.BoolFlag{Name: "json", Usage: "Output raw JSON"},
				},
				Action: r.JobsList,
			},
			{
				Name:      "show",
				Usage:     "Show one job by id",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.JobsShow,
			},
			{
				Name:      "enqueue",
				Usage:     "Submit a new job",
				ArgsUsage: "<type>",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "payload", Usage: "JSON payload for the handler", Value: "{}"},
					&cli.IntFlag{Name: "priority", Usage: "Dispatch priority, higher first"},
					&cli.IntFlag{Name: "max-retries", Usage: "Retry budget"},
				},
				Action: r.JobsEnqueue,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a job that has not finished",
				ArgsUsage: "<job-id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.JobsCancel,
			},
			{
				Name:   "watch",
				Usage:  "Live queue dashboard",
				Flags:  []cli.Flag{configFlag()},
				Action: r.JobsWatch,
			},
		},
	}
}

// JobsList prints jobs matching the status/type filters.
func (r *Runner) JobsList(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	path := fmt.Sprintf("/jobs?status=%s&type=%s", cmd.String("status"), cmd.String("type"))
	var resp struct {
		Jobs []server.JobView `json:"jobs"`
	}
	if err := r.apiDo(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(resp.Jobs, true)
	}

	if len(resp.Jobs) == 0 {
		return r.writePlain("No jobs\n")
	}
	for _, j := range resp.Jobs {
		r.writePlain("%s  %-15s %-10s pri=%d retries=%d/%d\n",
			j.ID[:8], j.Type, j.Status, j.Priority, j.Retries, j.MaxRetries)
	}
	return nil
}

// JobsShow prints one job as pretty JSON.
func (r *Runner) JobsShow(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("job id is required")
	}

	var job server.JobView
	if err := r.apiDo(ctx, http.MethodGet, "/jobs/"+id, nil, &job); err != nil {
		return err
	}
	return r.writeJSON(job, true)
}

// JobsEnqueue submits a new job to the daemon.
func (r *Runner) JobsEnqueue(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	jobType := cmd.Args().First()
	if jobType == "" {
		return fmt.Errorf("job type is required")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(cmd.String("payload")), &payload); err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}

	req := map[string]any{
		"type":        jobType,
		"payload":     payload,
		"priority":    cmd.Int("priority"),
		"max_retries": cmd.Int("max-retries"),
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := r.apiDo(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return err
	}
	return r.writePlain("Enqueued %s\n", resp.ID)
}

// JobsCancel cancels a job by id.
func (r *Runner) JobsCancel(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if err := r.apiDo(ctx, http.MethodPost, "/jobs/"+id+"/cancel", nil, nil); err != nil {
		return err
	}
	return r.writePlain("Cancelled %s\n", id)
}

// JobsWatch runs the live dashboard TUI against the daemon.
func (r *Runner) JobsWatch(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	fetch := func() (ui.Snapshot, error) {
		var snapshot ui.Snapshot
		if err := r.apiDo(ctx, http.MethodGet, "/status", nil, &snapshot.Status); err != nil {
			return ui.Snapshot{}, err
		}
		var resp struct {
			Jobs []server.JobView `json:"jobs"`
		}
		if err := r.apiDo(ctx, http.MethodGet, "/jobs", nil, &resp); err != nil {
			return ui.Snapshot{}, err
		}
		snapshot.Jobs = resp.Jobs
		return snapshot, nil
	}

	program := tea.NewProgram(ui.NewModel(fetch, time.Second))
	_, err := program.Run()
	return err
}
