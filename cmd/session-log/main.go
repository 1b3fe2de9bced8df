// Command session-log views and summarizes protocol log files written by
// iotsession with the -protocol-log flag.
//
// Usage:
//
//	session-log <command> [flags] <file.slog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file as JSON lines
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View only incoming packets
//	session-log view --direction in device.slog
//
//	# View SUBSCRIBE packets of one connection
//	session-log view --packet SUBSCRIBE --conn-id 3f2a9c1e device.slog
//
//	# Show statistics
//	session-log stats device.slog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mash-protocol/iotsession/cmd/session-log/commands"
)

const usage = `session-log - MQTT session protocol log analyzer

Usage:
  session-log <command> [flags] <file.slog>

Commands:
  view     View log file in human-readable format
  export   Export log file as JSON lines
  stats    Show statistics about the log file

Use "session-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags registers the event filter flags shared by view and export.
func filterFlags(fs *flag.FlagSet) *commands.FilterOptions {
	opts := &commands.FilterOptions{}
	fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by connection ID (prefix)")
	fs.StringVar(&opts.ClientID, "client-id", "", "Filter by MQTT client ID")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (packet, state, error)")
	fs.StringVar(&opts.Packet, "packet", "", "Filter by packet type (CONNECT, PUBLISH, SUBACK, ...)")
	fs.StringVar(&opts.Topic, "topic", "", "Filter by topic prefix")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	return opts
}

func logPath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `session-log view - View log file in human-readable format

Usage:
  session-log view [flags] <file.slog>

Flags:
`)
		fs.PrintDefaults()
	}
	opts := filterFlags(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := logPath(fs)

	if err := commands.RunView(path, *opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `session-log export - Export log file as JSON lines

Usage:
  session-log export [flags] <file.slog>

Flags:
`)
		fs.PrintDefaults()
	}
	opts := filterFlags(fs)
	output := fs.String("o", "", "Output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := logPath(fs)

	if err := commands.RunExport(path, *opts, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `session-log stats - Show statistics about the log file

Usage:
  session-log stats <file.slog>

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := logPath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
