package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- privilege-separated DNS front-end

SYNOPSIS
          {{.ProgramName}} [options]

DESCRIPTION
          {{.ProgramName}} is the client-facing half of a validating, recursive DNS resolver. It
          never opens a listening socket itself: every UDP/TCP/control/routing socket, plus the
          connection to the resolver process, is inherited from a supervisor over the main channel
          (fd {{.ProgramName}} is told about with --main-fd) and only serviced once the supervisor
          sends STARTUP.

          {{.ProgramName}} enforces the inbound screening of {{.RFC}} and EDNS0 (malformed, AXFR,
          meta-qtypes, blocklisted names), correlates each accepted query against the resolver's
          chunked ANSWER stream, and tracks the trust-anchor set and blocklist the supervisor
          delivers over the same channel.

OPTIONS
          [-v] [--version]
          [--main-fd fd]
          [-i status-report-interval]

          [--log-client-in] [--log-client-out] [--debug-qname name ...]

          [--gops] [--cpu-profile file] [--mem-profile file]

          [--user userName] [--group groupName] [--chroot directory]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out) // This is permanent so we assume an exit summarily
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")

	flagSet.IntVar(&cfg.mainChannelFD, "main-fd", 3, "fd `number` of the inherited main-channel Unix socket")
	flagSet.DurationVar(&cfg.statusInterval, "i", time.Minute*15, "Periodic Status Report `interval` (needs -v set)")

	flagSet.BoolVar(&cfg.logClientIn, "log-client-in", false, "Compact print of each accepted client query")
	flagSet.BoolVar(&cfg.logClientOut, "log-client-out", false, "Compact print of each reply written to a client")
	flagSet.Var(&cfg.debugQNames, "debug-qname", "Force QI/QO logging for this `qname` regardless of -log-client-in/out (repeatable)")

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
