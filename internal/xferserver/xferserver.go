// Package xferserver implements the control server: it accepts control
// connections, admits them by ACL, reads one request line per connection,
// and runs the per-verb data-channel protocol.
package xferserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/fclairamb/go-log"

	"github.com/fclairamb/portxferd/internal/aclstore"
	"github.com/fclairamb/portxferd/internal/dirtree"
	"github.com/fclairamb/portxferd/internal/mappedfile"
	"github.com/fclairamb/portxferd/internal/portalloc"
	"github.com/fclairamb/portxferd/internal/workerpool"
)

// Fixed, byte-exact response strings sent over the data channel.
const (
	msgFileNotFound      = "File not found\n"
	msgDeletedSuccessful = "Deleted file successfully\n"
	// msgDeleteFailed is never sent: DELETE reports FILE_NOT_FOUND on any
	// failure, matching the original server's delete() which declares this
	// string but never references it.
	msgDeleteFailed  = "Failed to delete file\n"
	msgAlreadyExists = "File already exists\n"
	msgReadyToReceive    = "File ready to receive\n"
	msgGoodbye           = "Bye!\n"
	msgUnrecognized      = "Unrecognized command. Use HELP command for info.\n"
)

// usages lists the verb usage strings sent by HELP, and the one used for
// a verb invoked with a missing required argument.
var usages = map[string]string{
	"GET":        "GET <filename>     Usage: GET <filename>\n",
	"DELETE":     "DELETE <filename>  Usage: DELETE <filename>\n",
	"LIST":       "LIST               Usage: LIST\n",
	"LIST_OWNED": "LIST_OWNED         Usage: LIST_OWNED\n",
	"CREATE":     "CREATE <filename>  Usage: CREATE <filename>\n",
	"UPDATE":     "UPDATE <filename>  Usage: UPDATE <filename>\n",
	"QUIT":       "QUIT               Usage: QUIT\n",
}

var helpOrder = []string{"GET", "DELETE", "LIST", "LIST_OWNED", "CREATE", "UPDATE", "QUIT"}

const pollInterval = 100 * time.Millisecond

// Server is the control server: it owns the listener, the port allocator,
// the directory tree, the ACL store and the worker pool.
type Server struct {
	Logger     log.Logger
	Tree       dirtree.Tree
	Allocator  *portalloc.Allocator
	ACL        *aclstore.Store
	Pool       *workerpool.Pool
	BufferSize int

	shutdown int32
	listener net.Listener

	shutdownCtx    context.Context
	cancelShutdown context.CancelFunc
}

// New builds a server from its collaborators. bufferSize governs GET and
// upload chunk sizes.
func New(logger log.Logger, tree dirtree.Tree, allocator *portalloc.Allocator, acl *aclstore.Store, pool *workerpool.Pool, bufferSize int) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		Logger:         logger,
		Tree:           tree,
		Allocator:      allocator,
		ACL:            acl,
		Pool:           pool,
		BufferSize:     bufferSize,
		shutdownCtx:    ctx,
		cancelShutdown: cancel,
	}
}

// RequestShutdown flips the shutdown flag observed by the accept loop and
// every per-request read loop within pollInterval, and cancels the context
// passed to Allocator.Alloc, unwedging any worker blocked waiting for a
// free data port.
func (s *Server) RequestShutdown() {
	atomic.StoreInt32(&s.shutdown, 1)
	s.cancelShutdown()
}

func (s *Server) shuttingDown() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// Start binds the control listener and runs the accept loop until
// shutdown is requested. It returns an error only for a fatal bind or
// accept failure.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return NewNetworkError("listen on "+addr, err)
	}

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("xferserver: listener for %s is not a TCP listener", addr)
	}

	s.listener = tl
	s.Logger.Info("control listener bound", "addr", addr)

	return s.acceptLoop(tl)
}

func (s *Server) acceptLoop(ln *net.TCPListener) error {
	for {
		if s.shuttingDown() {
			s.Logger.Info("accept loop stopping for shutdown")

			return ln.Close()
		}

		if err := ln.SetDeadline(time.Now().Add(pollInterval)); err != nil {
			return fmt.Errorf("xferserver: set accept deadline: %w", err)
		}

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}

			if s.shuttingDown() {
				return nil
			}

			return NewNetworkError("accept", err)
		}

		s.admitAndDispatch(conn)
	}
}

func (s *Server) admitAndDispatch(conn net.Conn) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || addr.IP.To4() == nil {
		s.Logger.Warn("rejecting non-IPv4 peer", "remote", conn.RemoteAddr())
		_ = conn.Close()

		return
	}

	if !s.ACL.Admit(addr.IP) {
		s.Logger.Info("admission denied", "peer", addr.IP.String())
		_ = conn.Close()

		return
	}

	s.Pool.Submit(func() {
		s.handleClientOnce(conn, addr.IP)
	})
}

func (s *Server) handleClientOnce(conn net.Conn, peer net.IP) {
	defer func() {
		_ = conn.Close()
	}()

	peerDir := peer.String()
	if err := s.Tree.CreateDirAll(peerDir); err != nil {
		s.Logger.Error("failed to create peer directory", "peer", peerDir, "err", NewFileAccessError("create peer directory", err))

		return
	}

	line, err := s.readLine(conn)
	if err != nil {
		if err != errShutdown {
			s.Logger.Warn("failed to read request line", "peer", peerDir, "err", err)
		}

		return
	}

	verb, arg := parseLine(line)

	s.Logger.Info("dispatching request", "peer", peerDir, "verb", verb, "arg", arg)
	s.dispatch(conn, peerDir, verb, arg)
}

var errShutdown = errors.New("xferserver: shutdown requested during read")

// readLine reads a single newline-terminated line from conn, polling for
// shutdown the way the accept loop does.
func (s *Server) readLine(conn net.Conn) (string, error) {
	type result struct {
		line string
		err  error
	}

	done := make(chan result, 1)

	go func() {
		r := bufio.NewReader(conn)

		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			done <- result{err: err}

			return
		}

		done <- result{line: strings.TrimRight(line, "\r\n")}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			return res.line, res.err
		case <-ticker.C:
			if s.shuttingDown() {
				return "", errShutdown
			}
		}
	}
}

func parseLine(line string) (verb, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}

	verb = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		arg = fields[1]
	}

	return verb, arg
}

func (s *Server) dispatch(conn net.Conn, peerDir, verb, arg string) {
	switch verb {
	case "GET":
		if !s.requireArg(conn, verb, arg) {
			return
		}

		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleGet(dc, arg) })
	case "DELETE":
		if !s.requireArg(conn, verb, arg) {
			return
		}

		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleDelete(dc, peerDir, arg) })
	case "CREATE":
		if !s.requireArg(conn, verb, arg) {
			return
		}

		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleCreate(dc, peerDir, arg) })
	case "UPDATE":
		if !s.requireArg(conn, verb, arg) {
			return
		}

		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleUpdate(dc, peerDir, arg) })
	case "LIST":
		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleList(dc) })
	case "LIST_OWNED":
		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleListOwned(dc, peerDir) })
	case "QUIT":
		s.withDataChannel(conn, func(dc io.ReadWriter) { _, _ = io.WriteString(dc, msgGoodbye) })
	case "HELP":
		s.withDataChannel(conn, func(dc io.ReadWriter) { s.handleHelp(dc) })
	default:
		s.withDataChannel(conn, func(dc io.ReadWriter) { _, _ = io.WriteString(dc, msgUnrecognized) })
	}
}

// requireArg sends the verb's usage string on a data channel and reports
// false if arg is empty, per the missing-required-argument rule.
func (s *Server) requireArg(conn net.Conn, verb, arg string) bool {
	if arg != "" {
		return true
	}

	s.withDataChannel(conn, func(dc io.ReadWriter) {
		_, _ = io.WriteString(dc, usages[verb])
	})

	return false
}

// withDataChannel runs the full data-channel sub-protocol: alloc a port,
// bind a listener on it, announce it on conn, accept exactly one peer,
// run fn against that peer connection, then close and dealloc.
func (s *Server) withDataChannel(conn net.Conn, fn func(dc io.ReadWriter)) {
	port, err := s.Allocator.Alloc(s.shutdownCtx)
	if err != nil {
		s.Logger.Error("failed to allocate data port", "err", NewDriverError("alloc", err))

		return
	}
	defer s.Allocator.Dealloc(port)

	dataLn, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		s.Logger.Error("failed to bind data listener", "port", port, "err", NewNetworkError("bind data listener", err))

		return
	}
	defer func() { _ = dataLn.Close() }()

	if err := announcePort(conn, port); err != nil {
		s.Logger.Warn("failed to announce data port", "port", port, "err", NewNetworkError("announce data port", err))

		return
	}

	peer, err := dataLn.Accept()
	if err != nil {
		s.Logger.Warn("failed to accept data connection", "port", port, "err", NewNetworkError("accept data connection", err))

		return
	}
	defer func() { _ = peer.Close() }()

	fn(peer)
}

func announcePort(conn net.Conn, port uint16) error {
	buf := make([]byte, 3)
	binary.BigEndian.PutUint16(buf, port)
	buf[2] = '\n'

	_, err := conn.Write(buf)

	return err
}

func (s *Server) handleGet(dc io.Writer, name string) {
	path, ok, err := s.Tree.FindFile(name)
	if err != nil || !ok {
		if err != nil {
			s.Logger.Error("find_file failed", "name", name, "err", NewFileAccessError("find file", err))
		}

		_, _ = io.WriteString(dc, msgFileNotFound)

		return
	}

	f, err := s.Tree.OpenRead(path)
	if err != nil {
		_, _ = io.WriteString(dc, msgFileNotFound)

		return
	}
	defer func() { _ = f.Close() }()

	// The struct wrappers hide ReadFrom/WriteTo so that io.CopyBuffer really
	// moves the data in bufSize chunks.
	buf := make([]byte, s.bufSize())
	if _, err := io.CopyBuffer(struct{ io.Writer }{dc}, struct{ io.Reader }{f}, buf); err != nil {
		s.Logger.Warn("error streaming file", "name", name, "err", err)
	}
}

func (s *Server) handleCreate(dc io.ReadWriter, peerDir, name string) {
	if _, ok, err := s.Tree.FindFile(name); err == nil && ok {
		_, _ = io.WriteString(dc, msgAlreadyExists)

		return
	}

	f, err := s.Tree.OpenNew(peerDir, name)
	if err != nil {
		if errors.Is(err, dirtree.ErrAlreadyExists) {
			_, _ = io.WriteString(dc, msgAlreadyExists)

			return
		}

		s.Logger.Error("failed to create file", "peer", peerDir, "name", name, "err", NewFileAccessError("create file", err))

		return
	}

	s.ingest(dc, f)
}

func (s *Server) handleUpdate(dc io.ReadWriter, peerDir, name string) {
	f, err := s.Tree.OpenTruncate(peerDir, name)
	if err != nil {
		if errors.Is(err, dirtree.ErrNotFound) {
			_, _ = io.WriteString(dc, msgFileNotFound)

			return
		}

		s.Logger.Error("failed to open file for update", "peer", peerDir, "name", name, "err", NewFileAccessError("open file for update", err))

		return
	}

	s.ingest(dc, f)
}

func (s *Server) ingest(dc io.ReadWriter, f io.WriteCloser) {
	if _, err := io.WriteString(dc, msgReadyToReceive); err != nil {
		_ = f.Close()

		return
	}

	w := mappedfile.New(f)

	buf := make([]byte, s.bufSize())
	if _, err := io.CopyBuffer(w, struct{ io.Reader }{dc}, buf); err != nil && err != io.EOF {
		s.Logger.Warn("error ingesting upload", "err", err)
	}

	if err := w.Close(); err != nil {
		s.Logger.Error("failed to flush uploaded file", "err", err)
	}
}

func (s *Server) handleDelete(dc io.Writer, peerDir, name string) {
	err := s.Tree.RemoveAt(filepath.Join(peerDir, name))
	if err != nil {
		if !errors.Is(err, dirtree.ErrNotFound) {
			s.Logger.Error("failed to delete file", "peer", peerDir, "name", name, "err", NewFileAccessError("delete file", err))
		}

		_, _ = io.WriteString(dc, msgFileNotFound)

		return
	}

	_, _ = io.WriteString(dc, msgDeletedSuccessful)
}

func (s *Server) handleList(dc io.Writer) {
	files, err := s.Tree.ListFiles()
	if err != nil {
		s.Logger.Error("failed to list files", "err", NewFileAccessError("list files", err))

		return
	}

	for _, f := range files {
		_, _ = fmt.Fprintf(dc, "%s\n", filepath.Base(f))
	}
}

func (s *Server) handleListOwned(dc io.Writer, peerDir string) {
	owned, err := dirtree.New(s.Tree.Fs, filepath.Join(s.Tree.Root, peerDir))
	if err != nil {
		s.Logger.Error("failed to open owned subtree", "peer", peerDir, "err", NewFileAccessError("open owned subtree", err))

		return
	}

	files, err := owned.ListFiles()
	if err != nil {
		s.Logger.Error("failed to list owned files", "peer", peerDir, "err", NewFileAccessError("list owned files", err))

		return
	}

	for _, f := range files {
		_, _ = fmt.Fprintf(dc, "%s\n", filepath.Base(f))
	}
}

func (s *Server) handleHelp(dc io.Writer) {
	for _, verb := range helpOrder {
		_, _ = io.WriteString(dc, usages[verb])
	}
}

func (s *Server) bufSize() int {
	if s.BufferSize <= 0 {
		return 4096
	}

	return s.BufferSize
}
