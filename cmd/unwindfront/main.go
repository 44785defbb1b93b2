// unwindfront is the client-facing half of a privilege-separated, validating recursive resolver. It
// never listens itself; every socket and configuration fd arrives over the main channel inherited on
// --main-fd, and servicing only begins once the supervisor sends STARTUP.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/miekg/dns"

	"github.com/unwindfront/unwindfront/internal/blocklist"
	"github.com/unwindfront/unwindfront/internal/constants"
	"github.com/unwindfront/unwindfront/internal/ipc/mainchan"
	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
	"github.com/unwindfront/unwindfront/internal/osutil"
	"github.com/unwindfront/unwindfront/internal/reporter"
	"github.com/unwindfront/unwindfront/internal/routewatch"
	"github.com/unwindfront/unwindfront/internal/session"
	"github.com/unwindfront/unwindfront/internal/trustanchor"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime   = time.Now()
	stopChannel chan os.Signal
	flagSet     *flag.FlagSet
)

// stopMain requests a clean shutdown of a running mainExecute, the test-harness equivalent of
// sending the process SIGINT.
func stopMain() {
	stopChannel <- syscall.SIGINT
}

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution, which test wrappers rely on to exercise distinct argv/config combinations.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainState(Initial)
	stopChannel = make(chan os.Signal, 4)
	osutil.SignalNotify(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	defer mainState(Stopped)

	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}
	if flagSet.NArg() > 0 {
		return fatal("Unexpected parameters on the command line", strings.Join(flagSet.Args(), " "))
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal("gops agent:", err)
		}
	}

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		var err error
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	mc, err := dialMainChannel(cfg.mainChannelFD)
	if err != nil {
		return fatal("main channel:", err)
	}
	channel := mainchan.New(mc)
	defer channel.Close()

	setup, err := receiveSetup(channel)
	if err != nil {
		return fatal("main channel setup:", err)
	}

	front, routeWatcher, err := buildFront(setup)
	if err != nil {
		return fatal(err)
	}

	// CONTROLFD's far end (spec.md 1) is out of scope; nothing in this process reads from it, so
	// it is closed as soon as it arrives rather than held open for no purpose.
	if setup.controlFD != nil {
		setup.controlFD.Close()
	}

	var reporters []reporter.Reporter
	reporters = append(reporters, channel, setup.resolver, front, front.ConnTracker())

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Starting")
	}

	errorChannel := make(chan error, len(setup.udpConns)+len(setup.tcpListeners)+3)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := setup.resolver.Run(front); err != nil {
			errorChannel <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reconfReader(channel, front, stdout, cfg.verbose); err != nil {
			errorChannel <- err
		}
	}()

	if routeWatcher != nil {
		reporters = append(reporters, routeWatcher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := routeWatcher.Run(setup.resolver); err != nil {
				errorChannel <- err
			}
		}()
	}

	for _, pc := range setup.udpConns {
		pc := pc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := front.ServeUDP(pc); err != nil {
				errorChannel <- err
			}
		}()
		if cfg.verbose {
			fmt.Fprintln(stdout, "Listening UDP:", pc.LocalAddr())
		}
	}

	for _, ln := range setup.tcpListeners {
		ln := ln
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := front.ServeTCP(ln); err != nil {
				errorChannel <- err
			}
		}()
		if cfg.verbose {
			fmt.Fprintln(stdout, "Listening TCP:", ln.Addr())
		}
	}

	// Constrain the process via setuid/setgid/chroot from a separate goroutine, three seconds after
	// the UDP/TCP servers above have been started. Every listening socket was inherited already
	// bound, so no socket is bound after this point.
	go func(setuidName, setgidName, chrootDir string, verbose bool, stdout io.Writer) {
		time.Sleep(3 * time.Second)
		if err := osutil.Constrain(setuidName, setgidName, chrootDir); err != nil {
			errorChannel <- err
			return
		}
		if verbose {
			fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
		}
	}(cfg.setuidName, cfg.setgidName, cfg.chrootDir, cfg.verbose, stdout)

	mainState(Started)
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if osutil.IsSignalUSR1(s) {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running

		case err := <-errorChannel:
			return fatal(err)

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	mainState(Stopped)
	for _, pc := range setup.udpConns {
		pc.Close()
	}
	for _, ln := range setup.tcpListeners {
		ln.Close()
	}
	setup.resolver.Close()
	if routeWatcher != nil {
		setup.routeSockFile.Close()
	}
	channel.Close() // Unblocks reconfReader's Recv so wg.Wait() below can return
	wg.Wait()       // Wait for all listeners and the resolver reader to completely shut down

	if cfg.verbose {
		statusReport("Status", true, reporters)
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())
	}

	if memProfileFile != nil {
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfileFile); err != nil {
			return fatal(err)
		}
	}

	return 0
}

// dialMainChannel wraps the inherited fd as a connected Unix domain socket.
func dialMainChannel(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "mainchan")
	if f == nil {
		return nil, fmt.Errorf("fd %d is not valid", fd)
	}
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("fd %d is not a Unix domain socket", fd)
	}
	return uc, nil
}

// frontendSetup collects everything the supervisor hands over before STARTUP, per spec.md 4.6.
type frontendSetup struct {
	resolver      *resolverchan.Channel
	udpConns      []net.PacketConn
	tcpListeners  []net.Listener
	routeSockFile *os.File
	controlFD     *os.File
	taFile        *os.File
	blFile        *os.File
}

// receiveSetup drains the main channel until STARTUP arrives, populating a frontendSetup from
// whichever fds and reconfiguration chunks the supervisor sent ahead of it.
func receiveSetup(mc *mainchan.Channel) (*frontendSetup, error) {
	setup := &frontendSetup{}
	seen := make(map[mainchan.Kind]bool)

	for {
		d, err := mc.Recv()
		if err != nil {
			return nil, err
		}

		if seen[d.Kind] && d.Kind != mainchan.KindReconfChunk {
			return nil, fmt.Errorf("duplicate %s on main channel", d.Kind)
		}
		seen[d.Kind] = true

		switch d.Kind {
		case mainchan.KindSocketIPCResolver:
			conn, err := net.FileConn(d.Fd)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Kind, err)
			}
			setup.resolver = resolverchan.New(conn)

		case mainchan.KindUDP4Sock, mainchan.KindUDP6Sock:
			pc, err := net.FilePacketConn(d.Fd)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Kind, err)
			}
			setup.udpConns = append(setup.udpConns, pc)

		case mainchan.KindTCP4Sock, mainchan.KindTCP6Sock:
			ln, err := net.FileListener(d.Fd)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.Kind, err)
			}
			setup.tcpListeners = append(setup.tcpListeners, ln)

		case mainchan.KindRouteSock:
			setup.routeSockFile = d.Fd

		case mainchan.KindControlFD:
			setup.controlFD = d.Fd

		case mainchan.KindTAFD:
			setup.taFile = d.Fd

		case mainchan.KindBLFD:
			setup.blFile = d.Fd

		case mainchan.KindReconfChunk, mainchan.KindReconfEnd:
			// Not expected before STARTUP - initial blocklist/trust-anchor state arrives as BLFD/TAFD
			// fds, not a reconf stream - so there is nothing to stage yet. Ignored rather than
			// treated as fatal in case the supervisor races a reload with start-up.

		case mainchan.KindStartup:
			if setup.resolver == nil {
				return nil, fmt.Errorf("STARTUP received without %s", mainchan.KindSocketIPCResolver)
			}
			return setup, nil

		default:
			return nil, fmt.Errorf("unexpected main channel kind %s", d.Kind)
		}
	}
}

// reconfReader drains the main channel for the life of the process once STARTUP has been handled;
// receiveSetup only ever reads up to STARTUP, so without this the channel goes unread and a reload
// sent later sits unconsumed forever. RECONF_CHUNK payloads accumulate into a staging buffer and are
// committed into the blocklist as one atomic replace on RECONF_END, the same stage-then-swap shape
// trustanchor.Store uses for BeginSync/Add/DiffAndSwap.
func reconfReader(mc *mainchan.Channel, front *session.Front, stdout io.Writer, verbose bool) error {
	var staged bytes.Buffer
	for {
		d, err := mc.Recv()
		if err != nil {
			return err
		}

		switch d.Kind {
		case mainchan.KindReconfChunk:
			staged.Write(d.Data)

		case mainchan.KindReconfEnd:
			loaded, duplicates, err := front.ReloadBlocklist(bytes.NewReader(staged.Bytes()))
			staged.Reset()
			if err != nil {
				if verbose {
					fmt.Fprintln(stdout, "Blocklist reload failed:", err)
				}
				continue
			}
			if verbose {
				fmt.Fprintf(stdout, "Blocklist reloaded: %d entries, %d duplicates\n", loaded, duplicates)
			}

		default:
			return fmt.Errorf("main channel: unexpected %s after startup", d.Kind)
		}
	}
}

// buildFront assembles a session.Front and, if a routing socket was delivered, a routewatch.Watcher,
// loading whatever trust-anchor/blocklist fds the supervisor handed over.
func buildFront(s *frontendSetup) (*session.Front, *routewatch.Watcher, error) {
	anchors := trustanchor.New()
	if s.taFile != nil {
		loaded, err := trustanchor.Parse(s.taFile)
		if err != nil {
			return nil, nil, fmt.Errorf("trust anchor file: %w", err)
		}
		anchors.BeginSync()
		for _, a := range loaded {
			anchors.Add(a)
		}
		anchors.DiffAndSwap()
	}

	bl := blocklist.New()
	if s.blFile != nil {
		if _, _, err := bl.Reload(s.blFile); err != nil {
			return nil, nil, fmt.Errorf("blocklist file: %w", err)
		}
	}

	front := session.NewFront(s.resolver, bl, anchors, stdout)
	front.LogClientIn = cfg.logClientIn
	front.LogClientOut = cfg.logClientOut
	if n := cfg.debugQNames.NArg(); n > 0 {
		front.DebugQNames = make(map[string]bool, n)
		for _, name := range cfg.debugQNames.Args() {
			front.DebugQNames[dns.Fqdn(name)] = true
		}
	}
	if s.taFile != nil {
		front.SetTrustAnchorFile(s.taFile)
	}

	var rw *routewatch.Watcher
	if s.routeSockFile != nil {
		rw = routewatch.New(s.routeSockFile)
	}

	return front, rw, nil
}

// nextInterval calculates the duration to now+modulo interval, so periodic status reports land on a
// round clock tick rather than drifting from the process start time.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
