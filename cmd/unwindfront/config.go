package main

import (
	"time"

	"github.com/unwindfront/unwindfront/internal/flagutil"
)

// config holds every command line setting in one struct so mainExecute can be driven repeatedly
// (with a fresh config) from tests.
type config struct {
	gops    bool
	help    bool
	verbose bool
	version bool

	mainChannelFD int // fd number of the inherited Unix socket carrying the main channel

	statusInterval time.Duration

	logClientIn  bool // Compact print of inbound client query, teacher's cfg.logClientIn/Out idiom
	logClientOut bool

	debugQNames flagutil.StringValue // Repeated -debug-qname: force QI/QO logging for these names

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string
}
