package tftp

import (
	"log"
	"net"
	"sync"
	"time"

	"pxewatch/services/pxe-stack/internal/config"
)

// Method is the TFTP request opcode.
type Method string

const (
	MethodRead  Method = "GET"
	MethodWrite Method = "PUT"
)

// Request describes one file transfer request as seen by the server.
type Request struct {
	RemoteAddr net.IP
	Method     Method
	Filename   string
}

// Observer receives protocol events from the server. Callbacks run on the
// transfer goroutine and must return quickly.
type Observer interface {
	OnRequest(req Request)
	// OnRequestError reports a failed transfer. It does not stop the server.
	OnRequestError(req Request, err error)
	// OnError is called once when the listening socket fails.
	OnError(err error)
}

type Server struct {
	cfg      config.TFTPConfig
	logger   *log.Logger
	observer Observer

	// listenUDP and socketCheck are replaced in tests.
	listenUDP   func(network string, laddr *net.UDPAddr) (*net.UDPConn, error)
	socketCheck time.Duration

	mu    sync.RWMutex
	files map[string][]byte
}

type nopObserver struct{}

func (nopObserver) OnRequest(Request) {}
func (nopObserver) OnRequestError(Request, error) {}
func (nopObserver) OnError(error) {}
