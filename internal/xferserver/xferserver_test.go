package xferserver_test

import (
	"bufio"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/portxferd/internal/aclstore"
	"github.com/fclairamb/portxferd/internal/dirtree"
	"github.com/fclairamb/portxferd/internal/portalloc"
	"github.com/fclairamb/portxferd/internal/workerpool"
	"github.com/fclairamb/portxferd/internal/xferserver"
	"github.com/fclairamb/portxferd/internal/xlog"
)

// testServer starts a full control server on an ephemeral port and returns
// its address plus a cleanup func.
func testServer(t *testing.T, mode aclstore.Mode) (string, func()) {
	t.Helper()

	tree, err := dirtree.New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	alloc := portalloc.New(20000, 20050)
	acl := aclstore.New(mode, "allow.json", "deny.json")
	pool := workerpool.New(4, 16)

	srv := xferserver.New(xlog.NoOp(), tree, alloc, acl, pool, 4096)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	go func() {
		_ = srv.Start(addr)
	}()

	// Give the accept loop time to bind.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp4", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, 2*time.Second, 10*time.Millisecond)

	// Admit the loopback client only after the readiness probe, so the probe
	// connection is closed at admission instead of occupying a worker.
	acl.Add(aclstore.AllowList, net.ParseIP("127.0.0.1"))

	return addr, func() { srv.RequestShutdown() }
}

// sendRequest opens a control connection, sends line, reads the 3-byte
// port announcement, dials the data port, and returns that data
// connection for the test to read/write.
func sendRequest(t *testing.T, addr, line string) net.Conn {
	t.Helper()

	ctrl, err := net.DialTimeout("tcp4", addr, time.Second)
	require.NoError(t, err)

	_, err = ctrl.Write([]byte(line + "\n"))
	require.NoError(t, err)

	header := make([]byte, 3)
	_, err = ctrl.Read(header)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), header[2])

	port := binary.BigEndian.Uint16(header[:2])

	dataConn, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(int(port)), time.Second)
	require.NoError(t, err)

	return dataConn
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	addr, stop := testServer(t, aclstore.AllowList)
	defer stop()

	dc := sendRequest(t, addr, "CREATE hello.txt")

	reader := bufio.NewReader(dc)
	ready, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "File ready to receive\n", ready)

	_, err = dc.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, dc.(*net.TCPConn).CloseWrite())

	// Drain until the server closes its side.
	buf := make([]byte, 16)
	_, _ = reader.Read(buf)
	_ = dc.Close()

	dc2 := sendRequest(t, addr, "GET hello.txt")
	got := make([]byte, 2)
	n, _ := dc2.Read(got)
	assert.Equal(t, "hi", string(got[:n]))
	_ = dc2.Close()
}

func TestGetMissingFileReturnsNotFound(t *testing.T) {
	addr, stop := testServer(t, aclstore.AllowList)
	defer stop()

	dc := sendRequest(t, addr, "GET nope")
	defer dc.Close()

	reader := bufio.NewReader(dc)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "File not found\n", line)
}

func TestDeleteMissingFileReportsNotFound(t *testing.T) {
	addr, stop := testServer(t, aclstore.AllowList)
	defer stop()

	dc := sendRequest(t, addr, "DELETE nope")
	defer dc.Close()

	reader := bufio.NewReader(dc)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "File not found\n", line)
}

func TestUnrecognizedVerb(t *testing.T) {
	addr, stop := testServer(t, aclstore.AllowList)
	defer stop()

	dc := sendRequest(t, addr, "BOGUS")
	defer dc.Close()

	reader := bufio.NewReader(dc)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Unrecognized command. Use HELP command for info.\n", line)
}

func TestMissingArgumentSendsUsage(t *testing.T) {
	addr, stop := testServer(t, aclstore.AllowList)
	defer stop()

	ctrl, err := net.DialTimeout("tcp4", addr, time.Second)
	require.NoError(t, err)

	_, err = ctrl.Write([]byte("GET\n"))
	require.NoError(t, err)

	header := make([]byte, 3)
	_, err = ctrl.Read(header)
	require.NoError(t, err)

	port := binary.BigEndian.Uint16(header[:2])
	dc, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(int(port)), time.Second)
	require.NoError(t, err)
	defer dc.Close()

	reader := bufio.NewReader(dc)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "Usage: GET <filename>")
}

func TestDenyListRejectsListedAddressAtAccept(t *testing.T) {
	tree, err := dirtree.New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	alloc := portalloc.New(21000, 21010)
	acl := aclstore.New(aclstore.DenyList, "allow.json", "deny.json")
	acl.Add(aclstore.DenyList, net.ParseIP("127.0.0.1"))
	pool := workerpool.New(2, 8)

	srv := xferserver.New(xlog.NoOp(), tree, alloc, acl, pool, 4096)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	go func() { _ = srv.Start(addr) }()
	defer srv.RequestShutdown()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp4", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.DialTimeout("tcp4", addr, time.Second)
	require.NoError(t, err)

	_, err = conn.Write([]byte("LIST\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 8)
	_, readErr := conn.Read(buf)
	assert.Error(t, readErr)
}
