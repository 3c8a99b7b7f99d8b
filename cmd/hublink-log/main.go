// Command hublink-log views and analyzes protocol capture files written by
// hublink-device with --capture.
//
// Usage:
//
//	hublink-log <command> [flags] <file.hlog>
//
// Commands:
//
//	view     Print events in human-readable form
//	export   Export events as JSON lines
//	filter   Copy matching events to a new capture file
//	stats    Show statistics about the capture file
//
// Examples:
//
//	# Only provisioning traffic
//	hublink-log view --service dps device.hlog
//
//	# Twin responses received
//	hublink-log view --direction in --topic '$iothub/twin/res/' device.hlog
//
//	# One session to a new file
//	hublink-log filter --session 3f2a9c1e-... -o session.hlog device.hlog
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hublink/hublink-go/cmd/hublink-log/commands"
)

const usage = `hublink-log - protocol capture viewer

Usage:
  hublink-log <command> [flags] <file.hlog>

Commands:
  view     Print events in human-readable form
  export   Export events as JSON lines
  filter   Copy matching events to a new capture file
  stats    Show statistics about the capture file

Use "hublink-log <command> --help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "export":
		err = runExport(args)
	case "filter":
		err = runFilter(args)
	case "stats":
		err = runStats(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet builds a flag set whose usage names the subcommand.
func newFlagSet(name, summary string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "hublink-log %s - %s\n\nUsage:\n  hublink-log %s [flags] <file.hlog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

func addFilterFlags(fs *pflag.FlagSet, opts *commands.FilterOptions) {
	fs.StringVar(&opts.SessionID, "session", "", "Filter by session ID")
	fs.StringVar(&opts.DeviceID, "device-id", "", "Filter by registration or device ID")
	fs.StringVar(&opts.TopicPrefix, "topic", "", "Filter messages by topic prefix")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVarP(&opts.Direction, "direction", "d", "", "Filter by direction (in, out)")
	fs.StringVarP(&opts.Service, "service", "s", "", "Filter by service (provisioning, hub)")
	fs.StringVarP(&opts.Category, "category", "c", "", "Filter by category (message, state, credential, error)")
}

// parse parses args and returns the single capture file argument.
func parse(fs *pflag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return "", errors.New("capture file path required")
	}
	return fs.Arg(0), nil
}

func runView(args []string) error {
	fs := newFlagSet("view", "print events in human-readable form")
	var opts commands.FilterOptions
	addFilterFlags(fs, &opts)

	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}
	return commands.RunView(path, filter, os.Stdout)
}

func runExport(args []string) error {
	fs := newFlagSet("export", "export events as JSON lines")
	var opts commands.FilterOptions
	addFilterFlags(fs, &opts)
	output := fs.StringP("output", "o", "", "Output file (default: stdout)")

	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}
	n, err := commands.RunExport(path, filter, *output, os.Stdout)
	if err != nil {
		return err
	}
	if *output != "" {
		fmt.Printf("Exported %d events to %s\n", n, *output)
	}
	return nil
}

func runFilter(args []string) error {
	fs := newFlagSet("filter", "copy matching events to a new capture file")
	var opts commands.FilterOptions
	addFilterFlags(fs, &opts)
	output := fs.StringP("output", "o", "", "Output file (required)")

	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *output == "" {
		fs.Usage()
		return errors.New("output file (-o) required")
	}
	filter, err := opts.Build()
	if err != nil {
		return err
	}
	n, err := commands.RunFilter(path, *output, filter)
	if err != nil {
		return err
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
	return nil
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "show statistics about the capture file")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}
