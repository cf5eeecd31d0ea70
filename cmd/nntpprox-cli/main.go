// Command nntpprox-cli sends one request to an nntpprox server and prints
// the result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/migadu/nntpprox/client"
	"github.com/migadu/nntpprox/nntp"
)

var version = "dev"

var errUsage = errors.New("usage")

type options struct {
	addr    string
	timeout time.Duration
	json    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "nntpprox-cli: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("nntpprox-cli", flag.ContinueOnError)
	fs.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:1701", "Proxy address")
	fs.DurationVarP(&opts.timeout, "timeout", "t", 30*time.Second, "Request timeout")
	fs.BoolVar(&opts.json, "json", false, "Print the raw JSON payload")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(out, "nntpprox-cli %s\n", version)
		return nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(fs)
		return errUsage
	}

	c, err := client.Dial(ctx, opts.addr, client.Options{Timeout: opts.timeout})
	if err != nil {
		return err
	}
	defer c.Close()

	cmd := &command{c: c, out: out, json: opts.json}
	switch name, params := rest[0], rest[1:]; name {
	case "groups":
		return cmd.groups(ctx, params)
	case "group":
		return cmd.group(ctx, params)
	case "overview":
		return cmd.overview(ctx, params)
	case "header":
		return cmd.header(ctx, params)
	case "date":
		return cmd.date(ctx, params)
	default:
		return fmt.Errorf("unknown command %q (see --help)", name)
	}
}

type command struct {
	c    *client.Client
	out  io.Writer
	json bool
}

func (cmd *command) print(v any, human func(w *tabwriter.Writer)) error {
	if cmd.json {
		enc := json.NewEncoder(cmd.out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(cmd.out, 0, 4, 2, ' ', 0)
	human(w)
	return w.Flush()
}

func (cmd *command) groups(ctx context.Context, params []string) error {
	if len(params) > 1 {
		return fmt.Errorf("groups takes at most one prefix")
	}
	var prefix string
	if len(params) == 1 {
		prefix = params[0]
	}
	groups, err := cmd.c.GetGroups(ctx, prefix)
	if err != nil {
		return err
	}
	return cmd.print(groups, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "GROUP\tFIRST\tLAST\tFLAG")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", g.Group, g.First, g.Last, g.Flag)
		}
	})
}

func (cmd *command) group(ctx context.Context, params []string) error {
	if len(params) != 1 {
		return fmt.Errorf("group takes exactly one group name")
	}
	info, err := cmd.c.Group(ctx, params[0])
	if err != nil {
		return err
	}
	return cmd.print(info, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "%s\t%d articles\t%d-%d\n", info.Group, info.Count, info.First, info.Last)
	})
}

func (cmd *command) overview(ctx context.Context, params []string) error {
	if len(params) != 3 {
		return fmt.Errorf("overview takes a group, a first and a last article number")
	}
	first, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid first article %q", params[1])
	}
	last, err := strconv.ParseInt(params[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid last article %q", params[2])
	}

	overviews, err := cmd.c.GetGroup(ctx, nntp.ByRange(first, last), params[0])
	if err != nil {
		return err
	}
	return cmd.print(overviews, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ARTICLE\tSUBJECT\tFROM\tMESSAGE-ID")
		for _, ov := range overviews {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ov.Article, ov.Headers["subject"], ov.Headers["from"], ov.Headers["message-id"])
		}
	})
}

func (cmd *command) header(ctx context.Context, params []string) error {
	if len(params) < 1 || len(params) > 2 {
		return fmt.Errorf("header takes a message-id or article number and an optional group")
	}
	spec, err := nntp.ParseMessageSpec(params[0])
	if err != nil {
		return err
	}
	var group string
	if len(params) == 2 {
		group = params[1]
	}

	header, err := cmd.c.GetHeader(ctx, spec, group)
	if err != nil {
		return err
	}
	return cmd.print(header, func(w *tabwriter.Writer) {
		keys := make([]string, 0, len(header))
		for k := range header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s:\t%s\n", k, header[k])
		}
	})
}

func (cmd *command) date(ctx context.Context, params []string) error {
	if len(params) != 0 {
		return fmt.Errorf("date takes no arguments")
	}
	t, err := cmd.c.Date(ctx)
	if err != nil {
		return err
	}
	return cmd.print(t.Format(time.RFC3339), func(w *tabwriter.Writer) {
		fmt.Fprintln(w, t.Format(time.RFC3339))
	})
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `nntpprox-cli %s

Usage:
  nntpprox-cli [options] groups [prefix]                 List newsgroups, e.g. "alt.binaries.*"
  nntpprox-cli [options] group <name>                    Select a newsgroup
  nntpprox-cli [options] overview <group> <first> <last> Overview of an article range
  nntpprox-cli [options] header <message-spec> [group]   Headers of one article
  nntpprox-cli [options] date                            Upstream server time

Options:
`, version)
	fs.PrintDefaults()
}
