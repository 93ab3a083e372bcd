package lifecycle

import (
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"pxewatch/services/pxe-stack/internal/devices"
	"pxewatch/services/pxe-stack/internal/tftp"
)

// Kind names an event or change variant.
type Kind string

const (
	KindDHCPMessage Kind = "dhcp_message"
	KindDHCPBind    Kind = "dhcp_bind"
	KindTFTPRequest Kind = "tftp_request"
	KindTFTPFailure Kind = "tftp_failure"
	KindEvicted     Kind = "evicted"
)

// Event is one normalised protocol observation. The concrete types below are
// the only implementations.
type Event interface {
	Kind() Kind
}

// DHCPMessage is any inbound DHCP packet.
type DHCPMessage struct {
	HardwareAddr string
	Type         dhcpv4.MessageType
	Hostname     string
}

// DHCPBind reports a lease that reached the bound state.
type DHCPBind struct {
	HardwareAddr string
	Address      string
}

// TFTPRequest is a file transfer request keyed by the requester's address.
type TFTPRequest struct {
	Address  string
	Method   tftp.Method
	Filename string
}

// TFTPFailure is a transfer that failed after its request was accepted.
type TFTPFailure struct {
	Address  string
	Method   tftp.Method
	Filename string
	Reason   string
}

func (DHCPMessage) Kind() Kind { return KindDHCPMessage }
func (DHCPBind) Kind() Kind { return KindDHCPBind }
func (TFTPRequest) Kind() Kind { return KindTFTPRequest }
func (TFTPFailure) Kind() Kind { return KindTFTPFailure }

// Change describes one applied mutation of the device store. It is what
// sinks receive.
type Change struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	HardwareAddr string         `json:"mac"`
	Previous     devices.Stage  `json:"previous_stage"`
	Record       devices.Record `json:"record"`
	At           time.Time      `json:"at"`
}
