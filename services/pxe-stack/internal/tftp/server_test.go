package tftp

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxewatch/services/pxe-stack/internal/config"
)

type recordingObserver struct {
	mu       sync.Mutex
	requests []Request
	failures []Request
	errs     []error
}

func (o *recordingObserver) OnRequest(req Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
}

func (o *recordingObserver) OnRequestError(req Request, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, req)
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

// fakeOutgoing stands in for the library's outgoing transfer.
type fakeOutgoing struct {
	remote net.UDPAddr
	size   int64
	buf    bytes.Buffer
}

func (f *fakeOutgoing) ReadFrom(r io.Reader) (int64, error) { return f.buf.ReadFrom(r) }
func (f *fakeOutgoing) RemoteAddr() net.UDPAddr { return f.remote }
func (f *fakeOutgoing) SetSize(n int64) { f.size = n }

type fakeIncoming struct {
	remote net.UDPAddr
	data   string
}

func (f *fakeIncoming) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(w, strings.NewReader(f.data))
	return n, err
}

func (f *fakeIncoming) RemoteAddr() net.UDPAddr { return f.remote }

func newTestServer(t *testing.T, readOnly bool) (*Server, *recordingObserver, string) {
	t.Helper()
	root := t.TempDir()
	obs := &recordingObserver{}
	srv := NewServer(config.TFTPConfig{RootDir: root, ReadOnly: readOnly}, log.New(io.Discard, "", 0), obs)
	return srv, obs, root
}

func TestReadServesFileFromRoot(t *testing.T) {
	srv, obs, root := newTestServer(t, true)
	require.NoError(t, os.WriteFile(filepath.Join(root, "vmlinuz"), []byte("kernel"), 0o644))

	rf := &fakeOutgoing{remote: net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2000}}
	require.NoError(t, srv.readHandler("vmlinuz", rf))

	assert.Equal(t, "kernel", rf.buf.String())
	assert.Equal(t, int64(6), rf.size)
	require.Len(t, obs.requests, 1)
	assert.Equal(t, MethodRead, obs.requests[0].Method)
	assert.Equal(t, "vmlinuz", obs.requests[0].Filename)
	assert.Equal(t, "10.0.0.5", obs.requests[0].RemoteAddr.String())
	assert.Empty(t, obs.failures)
}

func TestReadServesInMemoryFile(t *testing.T) {
	srv, obs, _ := newTestServer(t, true)
	srv.ServeFile("pxelinux.cfg/default", []byte("DEFAULT local\n"))

	rf := &fakeOutgoing{}
	require.NoError(t, srv.readHandler(`pxelinux.cfg\default`, rf))
	assert.Equal(t, "DEFAULT local\n", rf.buf.String())
	assert.Len(t, obs.requests, 1)
}

func TestReadMissingFileReportsFailure(t *testing.T) {
	srv, obs, _ := newTestServer(t, true)

	rf := &fakeOutgoing{remote: net.UDPAddr{IP: net.ParseIP("10.0.0.5")}}
	err := srv.readHandler("missing.efi", rf)
	require.Error(t, err)

	assert.Len(t, obs.requests, 1)
	require.Len(t, obs.failures, 1)
	assert.Equal(t, "missing.efi", obs.failures[0].Filename)
}

func TestReadCannotEscapeRoot(t *testing.T) {
	srv, _, root := newTestServer(t, true)
	outside := filepath.Join(filepath.Dir(root), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("nope"), 0o644))
	t.Cleanup(func() { _ = os.Remove(outside) })

	rf := &fakeOutgoing{}
	assert.Error(t, srv.readHandler("../secret", rf))
	assert.Zero(t, rf.buf.Len())
}

func TestWriteRejectedWhenReadOnly(t *testing.T) {
	srv, obs, root := newTestServer(t, true)

	err := srv.writeHandler("upload.txt", &fakeIncoming{data: "x"})
	assert.ErrorIs(t, err, errReadOnly)
	require.Len(t, obs.failures, 1)
	assert.Equal(t, MethodWrite, obs.failures[0].Method)
	assert.NoFileExists(t, filepath.Join(root, "upload.txt"))
}

func TestWriteStoresFile(t *testing.T) {
	srv, obs, root := newTestServer(t, false)

	in := &fakeIncoming{remote: net.UDPAddr{IP: net.ParseIP("10.0.0.7")}, data: "report"}
	require.NoError(t, srv.writeHandler("logs/boot.txt", in))

	got, err := os.ReadFile(filepath.Join(root, "logs", "boot.txt"))
	require.NoError(t, err)
	assert.Equal(t, "report", string(got))
	require.Len(t, obs.requests, 1)
	assert.Equal(t, "10.0.0.7", obs.requests[0].RemoteAddr.String())
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "pxelinux.0", want: "pxelinux.0"},
		{in: "/pxelinux.cfg/default", want: "pxelinux.cfg/default"},
		{in: `pxelinux.cfg\01-aa-bb`, want: "pxelinux.cfg/01-aa-bb"},
		{in: "../../etc/passwd", want: "etc/passwd"},
		{in: "/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckSocket(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	assert.NoError(t, checkSocket(conn))

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, checkSocket(conn), net.ErrClosed)
}

func TestRunFailsWhenSocketCloses(t *testing.T) {
	obs := &recordingObserver{}
	srv := NewServer(config.TFTPConfig{Address: "127.0.0.1:0", RootDir: t.TempDir()}, log.New(io.Discard, "", 0), obs)
	srv.socketCheck = 10 * time.Millisecond

	conns := make(chan *net.UDPConn, 1)
	srv.listenUDP = func(network string, laddr *net.UDPAddr) (*net.UDPConn, error) {
		conn, err := net.ListenUDP(network, laddr)
		if err == nil {
			conns <- conn
		}
		return conn, err
	}

	var ready atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(context.Background(), &ready)
	}()

	conn := <-conns
	require.Eventually(t, ready.Load, time.Second, 5*time.Millisecond)
	// Let the server block in its first read before the socket goes away.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept serving on a closed socket")
	}
	assert.False(t, ready.Load())
	assert.Len(t, obs.errors(), 1)
}
