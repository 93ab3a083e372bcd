package lifecycle

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"pxewatch/services/pxe-stack/internal/devices"
	"pxewatch/services/pxe-stack/internal/tftp"
)

type Options struct {
	// MenuMarker is the filename substring that marks a menu request.
	MenuMarker string
	// FlagBackwardTransitions logs and counts stage regressions. They are
	// applied either way.
	FlagBackwardTransitions bool
}

// Tracker folds normalised protocol events into the device store and the
// identity map. It is safe for concurrent use.
type Tracker struct {
	store    *devices.Store
	identity *devices.IdentityMap
	opts     Options
	logger   *log.Logger
	metrics  *Metrics
	sinks    []Sink
}

func NewTracker(store *devices.Store, identity *devices.IdentityMap, opts Options, logger *log.Logger, metrics *Metrics, sinks ...Sink) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MenuMarker == "" {
		opts.MenuMarker = DefaultMenuMarker
	}
	return &Tracker{
		store:    store,
		identity: identity,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		sinks:    sinks,
	}
}

// Ingest applies ev and returns the resulting record. It reports false when
// the event could not be attributed to a device.
func (t *Tracker) Ingest(ev Event) (devices.Record, bool) {
	t.metrics.event(ev.Kind())

	switch e := ev.(type) {
	case DHCPMessage:
		return t.apply(e.Kind(), e.HardwareAddr, t.mergeMessage(e)), true
	case DHCPBind:
		return t.apply(e.Kind(), e.HardwareAddr, t.mergeBind(e)), true
	case TFTPRequest:
		hw, ok := t.resolve(e.Address, e.Method, e.Filename)
		if !ok {
			return devices.Record{}, false
		}
		return t.apply(e.Kind(), hw, t.mergeRequest(e)), true
	case TFTPFailure:
		hw, ok := t.resolve(e.Address, e.Method, e.Filename)
		if !ok {
			return devices.Record{}, false
		}
		return t.apply(e.Kind(), hw, t.mergeFailure(e)), true
	default:
		t.logger.Printf("WARN lifecycle ignoring unsupported event %T", ev)
		return devices.Record{}, false
	}
}

func (t *Tracker) mergeMessage(e DHCPMessage) func(devices.Record, bool) devices.Fields {
	return func(_ devices.Record, created bool) devices.Fields {
		desc := "DHCP " + MessageTypeName(e.Type)
		f := devices.Fields{LastEvent: &desc}
		if stage, ok := MessageStage(e, created); ok {
			f.Stage = &stage
		}
		if e.Hostname != "" {
			hostname := e.Hostname
			f.Hostname = &hostname
		}
		return f
	}
}

// mergeBind runs with the device's shard locked, so the identity map update
// is ordered with any concurrent eviction of the same device.
func (t *Tracker) mergeBind(e DHCPBind) func(devices.Record, bool) devices.Fields {
	addr := devices.NormalizeAddress(e.Address)
	return func(cur devices.Record, _ bool) devices.Fields {
		t.identity.Bind(addr, e.HardwareAddr)

		var desc string
		switch cur.AssignedAddress {
		case "":
			stage := devices.StageIPAssigned
			desc = "DHCP address bound " + addr
			return devices.Fields{Stage: &stage, AssignedAddress: &addr, LastEvent: &desc}
		case addr:
			desc = "DHCP lease renewed " + addr
			return devices.Fields{LastEvent: &desc}
		default:
			desc = fmt.Sprintf("DHCP address rebound %s (was %s)", addr, cur.AssignedAddress)
			return devices.Fields{AssignedAddress: &addr, LastEvent: &desc}
		}
	}
}

func (t *Tracker) mergeRequest(e TFTPRequest) func(devices.Record, bool) devices.Fields {
	return func(devices.Record, bool) devices.Fields {
		stage := FileStage(e.Filename, t.opts.MenuMarker)
		desc := fmt.Sprintf("TFTP %s %s", e.Method, e.Filename)
		return devices.Fields{Stage: &stage, LastEvent: &desc}
	}
}

func (t *Tracker) mergeFailure(e TFTPFailure) func(devices.Record, bool) devices.Fields {
	return func(devices.Record, bool) devices.Fields {
		stage := FileStage(e.Filename, t.opts.MenuMarker)
		desc := fmt.Sprintf("TFTP %s %s failed", e.Method, e.Filename)
		if e.Reason != "" {
			desc += ": " + e.Reason
		}
		return devices.Fields{Stage: &stage, LastEvent: &desc}
	}
}

func (t *Tracker) resolve(addr string, method tftp.Method, filename string) (string, bool) {
	hw, ok := t.identity.Resolve(addr)
	if !ok {
		t.metrics.unresolvedTFTP()
		t.logger.Printf("INFO TFTP %s %s from %s has no DHCP binding, not tracked", method, filename, addr)
	}
	return hw, ok
}

func (t *Tracker) apply(kind Kind, hw string, merge func(devices.Record, bool) devices.Fields) devices.Record {
	before, after, created := t.store.Update(hw, merge)

	switch {
	case created:
		t.logger.Printf("INFO device %s first seen: %s", after.HardwareAddr, after.LastEvent)
	case before.Stage != after.Stage:
		if isRegression(before.Stage, after.Stage) && t.opts.FlagBackwardTransitions {
			t.metrics.backwardTransition()
			t.logger.Printf("WARN device %s moved back from %s to %s: %s", after.HardwareAddr, before.Stage, after.Stage, after.LastEvent)
		} else {
			t.logger.Printf("INFO device %s %s -> %s: %s", after.HardwareAddr, before.Stage, after.Stage, after.LastEvent)
		}
	default:
		t.logger.Printf("DEBUG device %s: %s", after.HardwareAddr, after.LastEvent)
	}

	t.publish(Change{
		ID:           uuid.NewString(),
		Kind:         kind,
		HardwareAddr: after.HardwareAddr,
		Previous:     before.Stage,
		Record:       after,
		At:           after.LastActiveAt,
	})
	return after
}

func (t *Tracker) publish(c Change) {
	for _, s := range t.sinks {
		s.Publish(c)
	}
}
