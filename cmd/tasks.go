package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/soundleaf/soundleaf/internal/server"
	"github.com/urfave/cli/v3"
)

func tasksCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and trigger scheduled maintenance tasks",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List scheduled tasks and their last run times",
				Flags:  []cli.Flag{configFlag()},
				Action: r.TasksList,
			},
			{
				Name:      "run",
				Usage:     "Run a task immediately, ignoring its cooldown",
				ArgsUsage: "<name>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.TasksRun,
			},
		},
	}
}

// TasksList shows each registered task with its last run timestamp.
func (r *Runner) TasksList(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	var snapshot server.StatusSnapshot
	if err := r.apiDo(ctx, http.MethodGet, "/status", nil, &snapshot); err != nil {
		return err
	}

	names := make([]string, 0, len(snapshot.Tasks))
	for name := range snapshot.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		last := snapshot.Tasks[name]
		if last.IsZero() {
			r.writePlain("%s\tnever run\n", name)
		} else {
			r.writePlain("%s\t%s\n", name, last.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

// TasksRun triggers a task by name on the daemon.
func (r *Runner) TasksRun(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	name := cmd.Args().First()
	if name == "" {
		return r.writePlain("usage: soundleaf tasks run <name>\n")
	}

	if err := r.apiDo(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/run", name), nil, nil); err != nil {
		return err
	}
	return r.writePlain("Task %q started\n", name)
}
