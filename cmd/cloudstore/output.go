package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/Chapsvision-dev/cloudstore/internal/oplog"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
)

// consoleNotifier prints copy progress for the user.
type consoleNotifier struct {
	out io.Writer
	err io.Writer
}

func (n consoleNotifier) OK(msg string)    { fmt.Fprintln(n.out, "ok:", msg) }
func (n consoleNotifier) Error(msg string) { fmt.Fprintln(n.err, "error:", msg) }

func printRecords(cmd *cli.Command, res provider.Result) error {
	w := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if res == nil {
			res = provider.Result{}
		}
		return enc.Encode(res)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSIZE\tMODIFIED\tPATH")
	for _, r := range res {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Type, r.Size, stamp(r.Modified), r.Path)
	}
	return tw.Flush()
}

func printHistory(cmd *cli.Command, entries []oplog.Entry) error {
	w := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []oplog.Entry{}
		}
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tOPERATION\tSERVICE\tSTATUS\tRECORDS\tELAPSED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			stamp(e.At), e.Operation, e.Service, e.Status, len(e.Records), e.Elapsed, e.Error)
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
