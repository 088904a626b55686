// Package console implements the operator's stdin command loop: it
// mutates shared ACL state and signals shutdown.
package console

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/fclairamb/go-log"

	"github.com/fclairamb/portxferd/internal/aclstore"
	"github.com/fclairamb/portxferd/internal/xlog"
)

// Usage lines printed by HELP, in order.
var Usage = []string{
	"SHUTDOWN           Usage: SHUTDOWN",
	"ADD <ipv4>         Usage: ADD <ipv4>",
	"REMOVE <ipv4>      Usage: REMOVE <ipv4>",
	"LIST               Usage: LIST",
	"SWITCH             Usage: SWITCH",
	"SHOW_CONFIG        Usage: SHOW_CONFIG",
	"HELP               Usage: HELP",
}

const wrongInput = "Wrong input!"
const unrecognizedInput = "Unrecognized input"

// ConfigRecord is whatever SHOW_CONFIG should render; cmd/portxferd
// supplies a stringer over the loaded settings here.
type ConfigRecord fmt.Stringer

// Console reads commands from an input stream and mutates store, setting
// the flag reported by ShutdownRequested when SHUTDOWN is entered.
type Console struct {
	store    *aclstore.Store
	logger   log.Logger
	config   ConfigRecord
	shutdown int32
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a console bound to store. config is printed verbatim by
// SHOW_CONFIG.
func New(store *aclstore.Store, logger log.Logger, config ConfigRecord) *Console {
	if logger == nil {
		logger = xlog.NoOp()
	}

	return &Console{store: store, logger: logger, config: config, stop: make(chan struct{})}
}

// ShutdownRequested reports whether SHUTDOWN has been entered.
func (c *Console) ShutdownRequested() bool {
	return atomic.LoadInt32(&c.shutdown) != 0
}

// Stop unblocks a Run in progress, even if the input stream never yields a
// SHUTDOWN line or EOF (e.g. a stdin-driven console that still has a
// terminal attached but needs to exit because the process received
// SIGTERM). Safe to call more than once or concurrently with Run.
func (c *Console) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run reads commands from r, writing replies to w, until r is exhausted,
// SHUTDOWN is entered, or Stop is called. Each reply is followed by a
// blank line, matching the original console's output convention.
//
// The scan itself runs on its own goroutine since a blocking read on r
// (stdin, typically) has no cancellation primitive; Stop only unblocks the
// dispatch loop waiting on it, it does not abort an in-flight read.
func (c *Console) Run(r io.Reader, w io.Writer) {
	lines := make(chan string)

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}

		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}

			c.dispatch(strings.TrimSpace(line), w)

			if c.ShutdownRequested() {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Console) dispatch(line string, w io.Writer) {
	defer fmt.Fprintln(w)

	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintln(w, unrecognizedInput)

		return
	}

	verb := strings.ToUpper(fields[0])
	arg := ""

	if len(fields) > 1 {
		arg = fields[1]
	}

	switch verb {
	case "SHUTDOWN":
		atomic.StoreInt32(&c.shutdown, 1)
		fmt.Fprintln(w, "Shutting down...")
	case "ADD":
		c.handleAdd(arg, w)
	case "REMOVE":
		c.handleRemove(arg, w)
	case "LIST":
		c.handleList(w)
	case "SWITCH":
		mode := c.store.Switch()
		fmt.Fprintf(w, "Active list is now %s\n", mode)
	case "SHOW_CONFIG":
		if c.config != nil {
			fmt.Fprintln(w, c.config.String())
		}
	case "HELP":
		for _, u := range Usage {
			fmt.Fprintln(w, u)
		}
	default:
		fmt.Fprintln(w, unrecognizedInput)
	}
}

func (c *Console) handleAdd(arg string, w io.Writer) {
	ip := net.ParseIP(arg)
	if ip == nil || ip.To4() == nil {
		fmt.Fprintln(w, wrongInput)

		return
	}

	c.store.Add(c.store.Active(), ip)
	fmt.Fprintf(w, "Added %s\n", ip.String())
}

func (c *Console) handleRemove(arg string, w io.Writer) {
	ip := net.ParseIP(arg)
	if ip == nil || ip.To4() == nil {
		fmt.Fprintln(w, wrongInput)

		return
	}

	c.store.Remove(c.store.Active(), ip)
	fmt.Fprintf(w, "Removed %s\n", ip.String())
}

func (c *Console) handleList(w io.Writer) {
	mode := c.store.Active()
	fmt.Fprintf(w, "Active list: %s\n", mode)

	for _, ip := range c.store.List(mode) {
		fmt.Fprintln(w, ip)
	}
}
