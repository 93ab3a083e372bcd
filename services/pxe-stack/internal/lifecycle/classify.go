package lifecycle

import (
	"fmt"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"pxewatch/services/pxe-stack/internal/devices"
)

// DefaultMenuMarker identifies pxelinux menu configuration requests.
const DefaultMenuMarker = "pxelinux.cfg"

// MessageTypeName maps a DHCP message type onto its short upper-case name.
func MessageTypeName(t dhcpv4.MessageType) string {
	switch t {
	case dhcpv4.MessageTypeDiscover:
		return "DISCOVER"
	case dhcpv4.MessageTypeOffer:
		return "OFFER"
	case dhcpv4.MessageTypeRequest:
		return "REQUEST"
	case dhcpv4.MessageTypeDecline:
		return "DECLINE"
	case dhcpv4.MessageTypeAck:
		return "ACK"
	case dhcpv4.MessageTypeNak:
		return "NAK"
	case dhcpv4.MessageTypeRelease:
		return "RELEASE"
	case dhcpv4.MessageTypeInform:
		return "INFORM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// MessageStage returns the stage a DHCP message moves a device to, or false
// when the stage is left as is. A client that discloses its hostname is taken
// to be a booted OS calling home.
func MessageStage(msg DHCPMessage, created bool) (devices.Stage, bool) {
	switch {
	case msg.Hostname != "":
		return devices.StageBooted, true
	case created:
		return devices.StageFirstContact, true
	default:
		return devices.StageUnknown, false
	}
}

// FileStage classifies a requested filename.
func FileStage(filename, marker string) devices.Stage {
	if marker == "" {
		marker = DefaultMenuMarker
	}
	name := strings.ReplaceAll(filename, `\`, "/")
	if strings.Contains(name, marker) {
		return devices.StageMenu
	}
	return devices.StageBooting
}

// isRegression reports a move to a stage that ranks earlier than the current
// one. Moves from or to an unset stage never count.
func isRegression(from, to devices.Stage) bool {
	if from == devices.StageUnknown || to == devices.StageUnknown {
		return false
	}
	return to.Rank() < from.Rank()
}
