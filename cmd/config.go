package main

import (
	"context"
	"sort"

	"github.com/soundleaf/soundleaf/internal/settings"
	"github.com/soundleaf/soundleaf/internal/shared"
	"github.com/urfave/cli/v3"
)

func configCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Read and write runtime settings",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all settings, defaults included",
				Flags:  []cli.Flag{configFlag()},
				Action: r.ConfigList,
			},
			{
				Name:      "get",
				Usage:     "Print a single setting",
				ArgsUsage: "<key>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.ConfigGet,
			},
			{
				Name:      "set",
				Usage:     "Store a setting; the daemon picks it up on the next tick",
				ArgsUsage: "<key> <value>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.ConfigSet,
			},
		},
	}
}

// openSettings opens the database from the active config and returns a
// settings store. The caller closes via the returned func.
func (r *Runner) openSettings() (*settings.Store, func() error, error) {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	store, err := settings.NewStore(db, r.logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

// ConfigList prints every known setting and its effective value.
func (r *Runner) ConfigList(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	store, closeDB, err := r.openSettings()
	if err != nil {
		return err
	}
	defer closeDB()

	all, err := store.All()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		r.writePlain("%s = %s\n", key, all[key])
	}
	return nil
}

// ConfigGet prints one setting's effective value.
func (r *Runner) ConfigGet(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	key := cmd.Args().First()
	if key == "" {
		return r.writePlain("usage: soundleaf config get <key>\n")
	}

	store, closeDB, err := r.openSettings()
	if err != nil {
		return err
	}
	defer closeDB()

	value, found, err := store.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return r.writePlain("%s is not set\n", key)
	}
	return r.writePlain("%s\n", value)
}

// ConfigSet stores a setting value.
func (r *Runner) ConfigSet(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	key := cmd.Args().Get(0)
	value := cmd.Args().Get(1)
	if key == "" || value == "" {
		return r.writePlain("usage: soundleaf config set <key> <value>\n")
	}

	store, closeDB, err := r.openSettings()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Set(key, value); err != nil {
		return err
	}
	return r.writePlain("%s = %s\n", key, value)
}
