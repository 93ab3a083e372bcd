package lifecycle

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxewatch/pkg/clock"
	"pxewatch/services/pxe-stack/internal/devices"
	"pxewatch/services/pxe-stack/internal/tftp"
)

type recordingSink struct {
	mu      sync.Mutex
	changes []Change
}

func (s *recordingSink) Publish(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
}

func (s *recordingSink) all() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changes...)
}

type fixture struct {
	clock    *clock.FakeClock
	store    *devices.Store
	identity *devices.IdentityMap
	metrics  *Metrics
	sink     *recordingSink
	tracker  *Tracker
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	store := devices.NewStore(clk)
	identity := devices.NewIdentityMap()
	metrics, err := NewMetrics(prometheus.NewRegistry(), store.Len)
	require.NoError(t, err)
	sink := &recordingSink{}
	logger := log.New(io.Discard, "", 0)
	return &fixture{
		clock:    clk,
		store:    store,
		identity: identity,
		metrics:  metrics,
		sink:     sink,
		tracker:  NewTracker(store, identity, opts, logger, metrics, sink),
	}
}

func (f *fixture) ingest(t *testing.T, ev Event) devices.Record {
	t.Helper()
	f.clock.Advance(time.Second)
	rec, ok := f.tracker.Ingest(ev)
	require.True(t, ok, "event %T was not attributed", ev)
	return rec
}

func TestProvisioningScenario(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "AA:BB:CC:DD:EE:01"

	rec := f.ingest(t, DHCPMessage{HardwareAddr: mac, Type: dhcpv4.MessageTypeDiscover})
	assert.Equal(t, devices.StageFirstContact, rec.Stage)
	assert.Equal(t, "DHCP DISCOVER", rec.LastEvent)

	rec = f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.5"})
	assert.Equal(t, devices.StageIPAssigned, rec.Stage)
	assert.Equal(t, "10.0.0.5", rec.AssignedAddress)
	hw, ok := f.identity.Resolve("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", hw)

	rec = f.ingest(t, TFTPRequest{Address: "10.0.0.5", Method: tftp.MethodRead, Filename: "pxelinux.cfg/default"})
	assert.Equal(t, devices.StageMenu, rec.Stage)
	assert.Equal(t, "TFTP GET pxelinux.cfg/default", rec.LastEvent)

	rec = f.ingest(t, TFTPRequest{Address: "10.0.0.5", Method: tftp.MethodRead, Filename: "vmlinuz"})
	assert.Equal(t, devices.StageBooting, rec.Stage)

	rec = f.ingest(t, DHCPMessage{HardwareAddr: mac, Type: dhcpv4.MessageTypeRequest, Hostname: "host1"})
	assert.Equal(t, devices.StageBooted, rec.Stage)
	assert.Equal(t, "host1", rec.Hostname)
	assert.Equal(t, "10.0.0.5", rec.AssignedAddress)

	snap := f.store.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, rec, snap["aa:bb:cc:dd:ee:01"])

	changes := f.sink.all()
	require.Len(t, changes, 5)
	assert.Equal(t, KindDHCPMessage, changes[0].Kind)
	assert.Equal(t, devices.StageUnknown, changes[0].Previous)
	assert.Equal(t, devices.StageBooting, changes[4].Previous)
	assert.NotEqual(t, changes[0].ID, changes[1].ID)
}

func TestLastActiveAtAdvancesOnEveryEvent(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "aa:bb:cc:dd:ee:02"

	var last time.Time
	events := []Event{
		DHCPMessage{HardwareAddr: mac, Type: dhcpv4.MessageTypeDiscover},
		DHCPMessage{HardwareAddr: mac, Type: dhcpv4.MessageTypeDiscover},
		DHCPBind{HardwareAddr: mac, Address: "10.0.0.9"},
		TFTPRequest{Address: "10.0.0.9", Method: tftp.MethodRead, Filename: "undionly.kpxe"},
	}
	for _, ev := range events {
		// No clock movement: the store still orders the timestamps.
		rec, ok := f.tracker.Ingest(ev)
		require.True(t, ok)
		assert.True(t, rec.LastActiveAt.After(last), "lastActiveAt must advance for %T", ev)
		last = rec.LastActiveAt
	}
}

func TestRepeatedBindIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "aa:bb:cc:dd:ee:03"

	first := f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.7"})
	second := f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.7"})

	assert.Equal(t, first.Stage, second.Stage)
	assert.Equal(t, first.AssignedAddress, second.AssignedAddress)
	assert.True(t, second.LastActiveAt.After(first.LastActiveAt))
	assert.Equal(t, "DHCP lease renewed 10.0.0.7", second.LastEvent)
}

func TestBindDoesNotRegressLaterStage(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "aa:bb:cc:dd:ee:04"

	f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.8"})
	f.ingest(t, TFTPRequest{Address: "10.0.0.8", Method: tftp.MethodRead, Filename: "vmlinuz"})
	rec := f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.8"})

	assert.Equal(t, devices.StageBooting, rec.Stage)
}

func TestRebindToNewAddress(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "aa:bb:cc:dd:ee:05"

	f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.10"})
	f.ingest(t, TFTPRequest{Address: "10.0.0.10", Method: tftp.MethodRead, Filename: "pxelinux.cfg/default"})
	rec := f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.11"})

	assert.Equal(t, devices.StageMenu, rec.Stage)
	assert.Equal(t, "10.0.0.11", rec.AssignedAddress)
	hw, ok := f.identity.Resolve("10.0.0.11")
	require.True(t, ok)
	assert.Equal(t, mac, hw)
}

func TestAddressReboundToAnotherDevice(t *testing.T) {
	f := newFixture(t, Options{})

	f.ingest(t, DHCPBind{HardwareAddr: "aa:bb:cc:dd:ee:06", Address: "10.0.0.12"})
	f.ingest(t, DHCPBind{HardwareAddr: "aa:bb:cc:dd:ee:07", Address: "10.0.0.12"})

	rec := f.ingest(t, TFTPRequest{Address: "10.0.0.12", Method: tftp.MethodRead, Filename: "vmlinuz"})
	assert.Equal(t, "aa:bb:cc:dd:ee:07", rec.HardwareAddr)
}

func TestHostnameMeansBootedRegardlessOfStage(t *testing.T) {
	for _, prior := range []Event{
		nil,
		DHCPMessage{HardwareAddr: "aa:bb:cc:dd:ee:08", Type: dhcpv4.MessageTypeDiscover},
		DHCPBind{HardwareAddr: "aa:bb:cc:dd:ee:08", Address: "10.0.0.13"},
	} {
		f := newFixture(t, Options{})
		if prior != nil {
			f.ingest(t, prior)
		}
		rec := f.ingest(t, DHCPMessage{HardwareAddr: "aa:bb:cc:dd:ee:08", Type: dhcpv4.MessageTypeInform, Hostname: "node-8"})
		assert.Equal(t, devices.StageBooted, rec.Stage)
		assert.Equal(t, "node-8", rec.Hostname)
	}
}

func TestMessageWithoutHostnameKeepsStage(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "aa:bb:cc:dd:ee:09"

	f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.14"})
	rec := f.ingest(t, DHCPMessage{HardwareAddr: mac, Type: dhcpv4.MessageTypeRequest})

	assert.Equal(t, devices.StageIPAssigned, rec.Stage)
	assert.Equal(t, "DHCP REQUEST", rec.LastEvent)
}

func TestUnresolvedTFTPRequestIsNotTracked(t *testing.T) {
	f := newFixture(t, Options{})

	_, ok := f.tracker.Ingest(TFTPRequest{Address: "192.168.1.50", Method: tftp.MethodRead, Filename: "vmlinuz"})
	assert.False(t, ok)
	_, ok = f.tracker.Ingest(TFTPFailure{Address: "192.168.1.50", Method: tftp.MethodRead, Filename: "vmlinuz"})
	assert.False(t, ok)

	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.sink.all())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.unresolved))
}

func TestTFTPFailureKeepsClassification(t *testing.T) {
	f := newFixture(t, Options{})
	const mac = "aa:bb:cc:dd:ee:0a"

	f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.15"})
	rec := f.ingest(t, TFTPFailure{Address: "10.0.0.15", Method: tftp.MethodRead, Filename: "pxelinux.cfg/01-aa-bb-cc-dd-ee-0a", Reason: "file not found"})

	assert.Equal(t, devices.StageMenu, rec.Stage)
	assert.Equal(t, "TFTP GET pxelinux.cfg/01-aa-bb-cc-dd-ee-0a failed: file not found", rec.LastEvent)
}

func TestBackwardTransitionsAreAppliedAndFlagged(t *testing.T) {
	f := newFixture(t, Options{FlagBackwardTransitions: true})
	const mac = "aa:bb:cc:dd:ee:0b"

	f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.16"})
	f.ingest(t, TFTPRequest{Address: "10.0.0.16", Method: tftp.MethodRead, Filename: "vmlinuz"})
	rec := f.ingest(t, TFTPRequest{Address: "10.0.0.16", Method: tftp.MethodRead, Filename: "pxelinux.cfg/default"})

	assert.Equal(t, devices.StageMenu, rec.Stage)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.backward))
}

func TestCustomMenuMarker(t *testing.T) {
	f := newFixture(t, Options{MenuMarker: "menu.ipxe"})
	const mac = "aa:bb:cc:dd:ee:0c"

	f.ingest(t, DHCPBind{HardwareAddr: mac, Address: "10.0.0.17"})
	rec := f.ingest(t, TFTPRequest{Address: "10.0.0.17", Method: tftp.MethodRead, Filename: "boot/menu.ipxe"})
	assert.Equal(t, devices.StageMenu, rec.Stage)

	rec = f.ingest(t, TFTPRequest{Address: "10.0.0.17", Method: tftp.MethodRead, Filename: "pxelinux.cfg/default"})
	assert.Equal(t, devices.StageBooting, rec.Stage)
}

func TestEventsCountedByKind(t *testing.T) {
	f := newFixture(t, Options{})

	f.ingest(t, DHCPMessage{HardwareAddr: "aa:bb:cc:dd:ee:0d", Type: dhcpv4.MessageTypeDiscover})
	f.ingest(t, DHCPMessage{HardwareAddr: "aa:bb:cc:dd:ee:0d", Type: dhcpv4.MessageTypeRequest})
	f.ingest(t, DHCPBind{HardwareAddr: "aa:bb:cc:dd:ee:0d", Address: "10.0.0.18"})

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.events.WithLabelValues(string(KindDHCPMessage))))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.events.WithLabelValues(string(KindDHCPBind))))
}

func TestConcurrentIngestKeepsOneRecordPerDevice(t *testing.T) {
	f := newFixture(t, Options{})
	macs := []string{"aa:bb:cc:dd:ee:10", "aa:bb:cc:dd:ee:11", "aa:bb:cc:dd:ee:12"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, mac := range macs {
			wg.Add(1)
			go func(mac string) {
				defer wg.Done()
				f.tracker.Ingest(DHCPMessage{HardwareAddr: mac, Type: dhcpv4.MessageTypeDiscover})
			}(mac)
		}
	}
	wg.Wait()

	snap := f.store.Snapshot()
	assert.Len(t, snap, len(macs))
	for _, mac := range macs {
		assert.Equal(t, devices.StageFirstContact, snap[mac].Stage)
	}
	assert.Len(t, f.sink.all(), 50*len(macs))
}
