package devices

import "time"

// Stage is the coarse provisioning phase a booting device is in.
type Stage string

const (
	StageUnknown      Stage = ""
	StageFirstContact Stage = "first_contact"
	StageIPAssigned   Stage = "ip_assigned"
	StageMenu         Stage = "menu"
	StageBooting      Stage = "booting"
	StageBooted       Stage = "booted"
)

// Rank orders stages along the usual boot progression. Unknown stages rank 0.
func (s Stage) Rank() int {
	switch s {
	case StageFirstContact:
		return 1
	case StageIPAssigned:
		return 2
	case StageMenu:
		return 3
	case StageBooting:
		return 4
	case StageBooted:
		return 5
	default:
		return 0
	}
}

// Record is the lifecycle state tracked for one hardware address.
type Record struct {
	HardwareAddr    string    `json:"mac"`
	Stage           Stage     `json:"stage"`
	LastEvent       string    `json:"last_event"`
	AssignedAddress string    `json:"assigned_address,omitempty"`
	Hostname        string    `json:"hostname,omitempty"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Fields is a partial update. Nil fields leave the record untouched.
type Fields struct {
	Stage           *Stage
	LastEvent       *string
	AssignedAddress *string
	Hostname        *string
}

func (f Fields) mergeInto(r *Record) {
	if f.Stage != nil {
		r.Stage = *f.Stage
	}
	if f.LastEvent != nil {
		r.LastEvent = *f.LastEvent
	}
	if f.AssignedAddress != nil {
		r.AssignedAddress = *f.AssignedAddress
	}
	if f.Hostname != nil {
		r.Hostname = *f.Hostname
	}
}
