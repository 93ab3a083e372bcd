package tftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pin/tftp"

	"pxewatch/services/pxe-stack/internal/config"
)

var errReadOnly = errors.New("write requests are disabled")

const defaultSocketCheck = time.Second

func NewServer(cfg config.TFTPConfig, logger *log.Logger, observer Observer) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		observer:  observer,
		listenUDP: net.ListenUDP,
		files:     make(map[string][]byte),
	}
}

// ServeFile registers in-memory content answered for name instead of a file
// under the root directory.
func (s *Server) ServeFile(name string, data []byte) {
	key, err := cleanName(name)
	if err != nil {
		s.logger.Printf("WARN tftp ignoring in-memory file %q: %v", name, err)
		return
	}
	dup := make([]byte, len(data))
	copy(dup, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = dup
}

// Run serves TFTP until ctx is cancelled. A socket failure is reported to the
// observer and returned; the server is not restarted.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, s.writeHandler)
	srv.SetTimeout(time.Duration(s.cfg.TimeoutSec) * time.Second)

	addr := s.cfg.Address
	if addr == "" {
		addr = ":69"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := s.listenUDP("udp", udpAddr)
	if err != nil {
		err = fmt.Errorf("listen on %s: %w", addr, err)
		s.observer.OnError(err)
		return err
	}
	ready.Store(true)
	s.logger.Printf("INFO tftp serving %s on %s", s.cfg.RootDir, addr)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	failed := watchSocket(watchCtx, conn, s.checkInterval())

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case err := <-failed:
		ready.Store(false)
		srv.Shutdown()
		<-done
		err = fmt.Errorf("socket on %s failed: %w", addr, err)
		s.observer.OnError(err)
		return fmt.Errorf("tftp serve: %w", err)
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) checkInterval() time.Duration {
	if s.socketCheck > 0 {
		return s.socketCheck
	}
	return defaultSocketCheck
}

// watchSocket reports the first error seen on conn's descriptor. The tftp
// package keeps retrying reads on a dead socket and never returns, so a
// failed listener is only visible from outside.
func watchSocket(ctx context.Context, conn syscall.Conn, interval time.Duration) <-chan error {
	failed := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := checkSocket(conn); err != nil {
					failed <- err
					return
				}
			}
		}
	}()
	return failed
}

func checkSocket(conn syscall.Conn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	return rc.Control(func(uintptr) {})
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	req := Request{RemoteAddr: remoteIP(rf), Method: MethodRead, Filename: filename}
	s.observer.OnRequest(req)

	n, err := s.send(filename, rf)
	if err != nil {
		s.observer.OnRequestError(req, err)
		s.logger.Printf("ERROR tftp %s %s for %s: %v", req.Method, filename, req.RemoteAddr, err)
		return err
	}
	s.logger.Printf("INFO served %s (%d bytes) via TFTP to %s", filename, n, req.RemoteAddr)
	return nil
}

func (s *Server) writeHandler(filename string, wt io.WriterTo) error {
	req := Request{RemoteAddr: remoteIP(wt), Method: MethodWrite, Filename: filename}
	s.observer.OnRequest(req)

	n, err := s.receive(filename, wt)
	if err != nil {
		s.observer.OnRequestError(req, err)
		s.logger.Printf("ERROR tftp %s %s for %s: %v", req.Method, filename, req.RemoteAddr, err)
		return err
	}
	s.logger.Printf("INFO received %s (%d bytes) via TFTP from %s", filename, n, req.RemoteAddr)
	return nil
}

func (s *Server) send(filename string, rf io.ReaderFrom) (int64, error) {
	key, err := cleanName(filename)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	data, ok := s.files[key]
	s.mu.RUnlock()
	if ok {
		setSize(rf, int64(len(data)))
		return rf.ReadFrom(bytes.NewReader(data))
	}

	f, err := os.Open(filepath.Join(s.cfg.RootDir, filepath.FromSlash(key)))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if info.IsDir() {
			return 0, fmt.Errorf("%s is a directory", key)
		}
		setSize(rf, info.Size())
	}
	return rf.ReadFrom(f)
}

func (s *Server) receive(filename string, wt io.WriterTo) (int64, error) {
	if s.cfg.ReadOnly {
		return 0, errReadOnly
	}
	key, err := cleanName(filename)
	if err != nil {
		return 0, err
	}

	dest := filepath.Join(s.cfg.RootDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := wt.WriteTo(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, err
	}
	return n, nil
}

// cleanName maps a requested filename onto a slash-separated path relative
// to the root. Some PXE firmwares send backslashes.
func cleanName(filename string) (string, error) {
	name := strings.ReplaceAll(filename, `\`, "/")
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" {
		return "", errors.New("empty filename")
	}
	return clean, nil
}

func remoteIP(transfer any) net.IP {
	if t, ok := transfer.(interface{ RemoteAddr() net.UDPAddr }); ok {
		addr := t.RemoteAddr()
		return addr.IP
	}
	return nil
}

func setSize(transfer any, n int64) {
	if t, ok := transfer.(interface{ SetSize(int64) }); ok {
		t.SetSize(n)
	}
}
