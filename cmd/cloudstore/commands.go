package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/version"
)

func recursiveFlag() cli.Flag {
	return &cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "descend into directories"}
}

type transferFunc func(store, context.Context, string, string, bool) (provider.Result, error)

// transferCommand builds get, put and copy, which share their shape.
func transferCommand(name, usage string, call transferFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "SOURCE DESTINATION",
		Flags:     []cli.Flag{recursiveFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 2, 2)
			if err != nil {
				return err
			}
			return withStore(ctx, cmd, func(s store) error {
				start := time.Now()
				res, err := call(s, ctx, a[0], a[1], cmd.Bool("recursive"))
				if err != nil {
					return err
				}
				log.Info().
					Str("action", name).
					Str("service", s.Service()).
					Str("source", a[0]).
					Str("destination", a[1]).
					Int("records", len(res)).
					Dur("elapsed_ms", time.Since(start)).
					Msg(name + " OK")
				return printRecords(cmd, res)
			})
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "list entries under SOURCE",
		ArgsUsage: "[SOURCE]",
		Flags: []cli.Flag{
			recursiveFlag(),
			&cli.BoolFlag{Name: "dir-only", Aliases: []string{"d"}, Usage: "only directories"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 0, 1)
			if err != nil {
				return err
			}
			return withStore(ctx, cmd, func(s store) error {
				res, err := s.List(ctx, first(a), cmd.Bool("dir-only"), cmd.Bool("recursive"))
				if err != nil {
					return err
				}
				return printRecords(cmd, res)
			})
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "find entries under DIRECTORY whose name matches NAME (exact or glob)",
		ArgsUsage: "DIRECTORY NAME",
		Flags:     []cli.Flag{recursiveFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 2, 2)
			if err != nil {
				return err
			}
			return withStore(ctx, cmd, func(s store) error {
				res, err := s.Search(ctx, a[0], a[1], cmd.Bool("recursive"))
				if err != nil {
					return err
				}
				return printRecords(cmd, res)
			})
		},
	}
}

func mkdirCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "create DIRECTORY",
		ArgsUsage: "DIRECTORY",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1, 1)
			if err != nil {
				return err
			}
			return withStore(ctx, cmd, func(s store) error {
				res, err := s.CreateDir(ctx, a[0])
				if err != nil {
					return err
				}
				return printRecords(cmd, res)
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm"},
		Usage:     "delete a file or an empty directory",
		ArgsUsage: "SOURCE",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1, 1)
			if err != nil {
				return err
			}
			return withStore(ctx, cmd, func(s store) error {
				res, err := s.Delete(ctx, a[0])
				if err != nil {
					return err
				}
				return printRecords(cmd, res)
			})
		},
	}
}

func treeCommand() *cli.Command {
	return &cli.Command{
		Name:      "tree",
		Usage:     "print the directory tree under SOURCE",
		ArgsUsage: "[SOURCE]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 0, 1)
			if err != nil {
				return err
			}
			return withStore(ctx, cmd, func(s store) error {
				root, err := s.Tree(ctx, first(a))
				if err != nil {
					return err
				}
				w := cmd.Root().Writer
				if err := root.Render(w); err != nil {
					return err
				}
				files, dirs := root.Count()
				_, err = fmt.Fprintf(w, "\n%d directories, %d files\n", dirs, files)
				return err
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show recent operations from the operation log",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "number of entries"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := args(cmd, 0, 0); err != nil {
				return err
			}
			cfg, err := configure(cmd)
			if err != nil {
				return err
			}
			if cfg.Oplog.Driver == config.OplogNone {
				return fmt.Errorf("operation log is disabled (oplog.driver: none)")
			}
			h, err := openOplog(cfg.Oplog.Driver, cfg.Oplog.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			entries, err := h.Recent(ctx, int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			return printHistory(cmd, entries)
		},
	}
}

func backendsCommand() *cli.Command {
	return &cli.Command{
		Name:  "backends",
		Usage: "list supported backend kinds and configured services",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := configure(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND")
			for _, k := range registry().Kinds() {
				fmt.Fprintln(w, string(k))
			}
			names := make([]string, 0, len(cfg.Storage.Services))
			for name := range cfg.Storage.Services {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(w, "\nSERVICE\tKIND\tSELECTED")
			for _, name := range names {
				sel := ""
				if name == cfg.Storage.Selected {
					sel = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, cfg.Service(name).Kind, sel)
			}
			return w.Flush()
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print version information",
		Action: func(_ context.Context, cmd *cli.Command) error {
			_, err := fmt.Fprintln(cmd.Root().Writer, version.String())
			return err
		},
	}
}

// withStore opens a session, runs fn and releases the session.
func withStore(ctx context.Context, cmd *cli.Command, fn func(store) error) error {
	s, err := open(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s.store)
}

func first(a []string) string {
	if len(a) == 0 {
		return ""
	}
	return a[0]
}
