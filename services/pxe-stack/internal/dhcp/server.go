package dhcp

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"pxewatch/services/pxe-stack/internal/config"
)

func NewServer(cfg config.DHCPConfig, logger *log.Logger, observer Observer) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	start, end := toAddr(cfg.RangeStart), toAddr(cfg.RangeEnd)
	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("invalid lease range %v-%v", cfg.RangeStart, cfg.RangeEnd)
	}
	h := &handler{
		cfg:       cfg,
		logger:    logger,
		observer:  observer,
		now:       time.Now,
		leases:    make(map[string]*lease),
		startIP:   start,
		endIP:     end,
		nextIP:    start,
		leaseTime: cfg.LeaseTime,
	}
	return &Server{cfg: cfg, logger: logger, handler: h}, nil
}

// Run serves DHCP on the configured interface until ctx is cancelled. A
// listener failure is reported to the observer and returned; the server is
// not restarted.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv, err := server4.NewServer(s.cfg.Interface, nil, s.handler.handle)
	if err != nil {
		err = fmt.Errorf("start listener on %s: %w", s.cfg.Interface, err)
		s.handler.observer.OnError(err)
		return err
	}
	ready.Store(true)
	s.logger.Printf("INFO dhcp serving %s-%s on %s", s.handler.startIP, s.handler.endIP, s.cfg.Interface)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		ready.Store(false)
		if err == nil {
			err = fmt.Errorf("listener on %s closed unexpectedly", s.cfg.Interface)
		}
		s.handler.observer.OnError(err)
		return fmt.Errorf("dhcp serve: %w", err)
	case <-ctx.Done():
		srv.Close()
		<-errCh
	}
	return nil
}

// Leases returns a snapshot of the current lease table.
func (s *Server) Leases() LeaseTable {
	return s.handler.table()
}

func (h *handler) handle(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	h.observer.OnMessage(req)

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		h.respond(conn, peer, req, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		if sid := req.ServerIdentifier(); sid != nil && h.cfg.ServerIP != nil && !sid.Equal(h.cfg.ServerIP) {
			// The client accepted another server's offer.
			h.release(req.ClientHWAddr.String())
			return
		}
		if h.respond(conn, peer, req, dhcpv4.MessageTypeAck) {
			h.observer.OnBound(h.bind(req.ClientHWAddr.String()))
		}
	case dhcpv4.MessageTypeRelease, dhcpv4.MessageTypeDecline:
		h.release(req.ClientHWAddr.String())
	default:
		// ignore other messages
	}
}

func (h *handler) respond(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) bool {
	mac := req.ClientHWAddr.String()
	ip := h.assign(mac)
	if !ip.IsValid() {
		h.logger.Printf("WARN no available lease for %s", mac)
		return false
	}

	reply, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		h.logger.Printf("ERROR create reply: %v", err)
		return false
	}
	reply.UpdateOption(dhcpv4.OptMessageType(msgType))
	reply.YourIPAddr = toIP(ip)
	reply.ServerIPAddr = h.cfg.ServerIP
	reply.BootFileName = h.cfg.BootFilename
	reply.Options.Update(dhcpv4.OptServerIdentifier(h.cfg.ServerIP))
	if h.cfg.SubnetMask != nil {
		reply.Options.Update(dhcpv4.OptSubnetMask(h.cfg.SubnetMask))
	}
	if h.cfg.Router != nil {
		reply.Options.Update(dhcpv4.OptRouter(h.cfg.Router))
	}
	if len(h.cfg.DNSServers) > 0 {
		reply.Options.Update(dhcpv4.OptDNS(h.cfg.DNSServers...))
	}
	reply.Options.Update(dhcpv4.OptIPAddressLeaseTime(h.leaseTime))
	if h.cfg.NextServer != nil {
		reply.ServerIPAddr = h.cfg.NextServer
		reply.Options.Update(dhcpv4.OptTFTPServerName(h.cfg.NextServer.String()))
	}

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		h.logger.Printf("ERROR send %s to %s: %v", msgType, mac, err)
		return false
	}
	return true
}

func (h *handler) assign(mac string) netip.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if l, ok := h.leases[mac]; ok && l.expiresAt.After(now) {
		return l.ip
	}

	if ip, ok := h.scan(h.nextIP, h.endIP, now); ok {
		return h.offer(mac, ip, now)
	}
	if ip, ok := h.scan(h.startIP, h.endIP, now); ok {
		return h.offer(mac, ip, now)
	}
	return netip.Addr{}
}

func (h *handler) scan(from, to netip.Addr, now time.Time) (netip.Addr, bool) {
	for ip := from; inRange(ip, h.startIP, to); ip = ip.Next() {
		if !h.isAllocated(ip, now) {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

func (h *handler) offer(mac string, ip netip.Addr, now time.Time) netip.Addr {
	h.leases[mac] = &lease{ip: ip, state: LeaseOffered, expiresAt: now.Add(h.leaseTime)}
	h.nextIP = ip.Next()
	if !inRange(h.nextIP, h.startIP, h.endIP) {
		h.nextIP = h.startIP
	}
	return ip
}

// bind marks the lease held by mac as bound and returns the resulting table.
func (h *handler) bind(mac string) LeaseTable {
	h.mu.Lock()
	if l, ok := h.leases[mac]; ok {
		now := h.now()
		l.state = LeaseBound
		l.boundAt = now
		l.expiresAt = now.Add(h.leaseTime)
	}
	h.mu.Unlock()
	return h.table()
}

func (h *handler) release(mac string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.leases, mac)
}

func (h *handler) isAllocated(ip netip.Addr, now time.Time) bool {
	for _, l := range h.leases {
		if l.expiresAt.After(now) && l.ip == ip {
			return true
		}
	}
	return false
}

func (h *handler) table() LeaseTable {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	out := make(LeaseTable, len(h.leases))
	for mac, l := range h.leases {
		if !l.expiresAt.After(now) {
			continue
		}
		out[mac] = Lease{Address: l.ip, State: l.state, BoundAt: l.boundAt, ExpiresAt: l.expiresAt}
	}
	return out
}
