package lifecycle

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"pxewatch/services/pxe-stack/internal/dhcp"
	"pxewatch/services/pxe-stack/internal/tftp"
)

// DHCPAdapter turns DHCP engine callbacks into lifecycle events.
type DHCPAdapter struct {
	tracker *Tracker
	logger  *log.Logger

	mu sync.Mutex
	// lastBound remembers the bind time already reported per hardware
	// address so a lease table snapshot only yields the leases that changed.
	lastBound map[string]time.Time
}

func NewDHCPAdapter(tracker *Tracker, logger *log.Logger) *DHCPAdapter {
	if logger == nil {
		logger = log.Default()
	}
	return &DHCPAdapter{tracker: tracker, logger: logger, lastBound: make(map[string]time.Time)}
}

var _ dhcp.Observer = (*DHCPAdapter)(nil)

func (a *DHCPAdapter) OnMessage(req *dhcpv4.DHCPv4) {
	if req == nil || len(req.ClientHWAddr) == 0 {
		a.logger.Printf("WARN dhcp message without hardware address ignored")
		return
	}
	a.tracker.Ingest(DHCPMessage{
		HardwareAddr: req.ClientHWAddr.String(),
		Type:         req.MessageType(),
		Hostname:     req.HostName(),
	})
}

func (a *DHCPAdapter) OnBound(leases dhcp.LeaseTable) {
	for _, ev := range a.newlyBound(leases) {
		a.tracker.Ingest(ev)
	}
}

// OnError is called for listener failures. The server returns the same error
// from Run, which stops the process.
func (a *DHCPAdapter) OnError(err error) {
	a.logger.Printf("ERROR dhcp engine failure: %v", err)
}

func (a *DHCPAdapter) newlyBound(leases dhcp.LeaseTable) []DHCPBind {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []DHCPBind
	for hw, l := range leases {
		if l.State != dhcp.LeaseBound || !l.Address.IsValid() {
			continue
		}
		if seen, ok := a.lastBound[hw]; ok && !l.BoundAt.After(seen) {
			continue
		}
		a.lastBound[hw] = l.BoundAt
		out = append(out, DHCPBind{HardwareAddr: hw, Address: l.Address.String()})
	}
	for hw := range a.lastBound {
		if l, ok := leases[hw]; !ok || l.State != dhcp.LeaseBound {
			delete(a.lastBound, hw)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].HardwareAddr < out[j].HardwareAddr })
	return out
}

// TFTPAdapter turns TFTP engine callbacks into lifecycle events.
type TFTPAdapter struct {
	tracker *Tracker
	logger  *log.Logger
}

func NewTFTPAdapter(tracker *Tracker, logger *log.Logger) *TFTPAdapter {
	if logger == nil {
		logger = log.Default()
	}
	return &TFTPAdapter{tracker: tracker, logger: logger}
}

var _ tftp.Observer = (*TFTPAdapter)(nil)

func (a *TFTPAdapter) OnRequest(req tftp.Request) {
	if req.RemoteAddr == nil {
		a.logger.Printf("WARN tftp %s %s without remote address ignored", req.Method, req.Filename)
		return
	}
	a.tracker.Ingest(TFTPRequest{
		Address:  req.RemoteAddr.String(),
		Method:   req.Method,
		Filename: req.Filename,
	})
}

func (a *TFTPAdapter) OnRequestError(req tftp.Request, err error) {
	if req.RemoteAddr == nil {
		a.logger.Printf("WARN tftp %s %s failure without remote address ignored: %v", req.Method, req.Filename, err)
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	a.tracker.Ingest(TFTPFailure{
		Address:  req.RemoteAddr.String(),
		Method:   req.Method,
		Filename: req.Filename,
		Reason:   reason,
	})
}

func (a *TFTPAdapter) OnError(err error) {
	a.logger.Printf("ERROR tftp socket failure: %v", err)
}
