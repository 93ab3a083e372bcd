package dhcp

import (
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"pxewatch/services/pxe-stack/internal/config"
)

// Observer receives protocol events from the server. Callbacks run on the
// packet handling goroutine and must return quickly.
type Observer interface {
	// OnMessage is called for every inbound packet before it is answered.
	OnMessage(req *dhcpv4.DHCPv4)
	// OnBound is called with the full lease table whenever a lease enters
	// the bound state.
	OnBound(leases LeaseTable)
	// OnError is called once when the listener fails irrecoverably.
	OnError(err error)
}

// LeaseState is the allocation state of a lease.
type LeaseState string

const (
	LeaseOffered LeaseState = "offered"
	LeaseBound   LeaseState = "bound"
)

// Lease is an immutable view of one lease table entry.
type Lease struct {
	Address   netip.Addr `json:"address"`
	State     LeaseState `json:"state"`
	BoundAt   time.Time  `json:"bound_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// LeaseTable maps client hardware addresses to their lease.
type LeaseTable map[string]Lease

type Server struct {
	cfg     config.DHCPConfig
	logger  *log.Logger
	handler *handler
}

type handler struct {
	cfg       config.DHCPConfig
	logger    *log.Logger
	observer  Observer
	now       func() time.Time
	mu        sync.Mutex
	leases    map[string]*lease
	nextIP    netip.Addr
	startIP   netip.Addr
	endIP     netip.Addr
	leaseTime time.Duration
}

type lease struct {
	ip        netip.Addr
	state     LeaseState
	boundAt   time.Time
	expiresAt time.Time
}

type nopObserver struct{}

func (nopObserver) OnMessage(*dhcpv4.DHCPv4) {}
func (nopObserver) OnBound(LeaseTable) {}
func (nopObserver) OnError(error) {}
