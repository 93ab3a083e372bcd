package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityMapBindResolve(t *testing.T) {
	m := NewIdentityMap()

	_, ok := m.Resolve("10.0.0.5")
	assert.False(t, ok)

	m.Bind("10.0.0.5", "AA:BB:CC:DD:EE:01")
	hw, ok := m.Resolve("10.0.0.5")
	assert.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", hw)

	hw, ok = m.Resolve("::ffff:10.0.0.5")
	assert.True(t, ok, "v4-mapped address should resolve")
	assert.Equal(t, "aa:bb:cc:dd:ee:01", hw)
}

func TestIdentityMapRebindSupersedes(t *testing.T) {
	m := NewIdentityMap()
	m.Bind("10.0.0.5", "aa:bb:cc:dd:ee:01")
	m.Bind("10.0.0.5", "aa:bb:cc:dd:ee:02")

	hw, ok := m.Resolve("10.0.0.5")
	assert.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", hw)
	assert.Equal(t, 1, m.Len())
}

func TestIdentityMapUnbindHardwareAddr(t *testing.T) {
	m := NewIdentityMap()
	m.Bind("10.0.0.5", "aa:bb:cc:dd:ee:01")
	m.Bind("10.0.0.6", "aa:bb:cc:dd:ee:01")
	m.Bind("10.0.0.7", "aa:bb:cc:dd:ee:02")

	assert.Equal(t, 2, m.UnbindHardwareAddr("AA:BB:CC:DD:EE:01"))
	assert.Equal(t, map[string]string{"10.0.0.7": "aa:bb:cc:dd:ee:02"}, m.Snapshot())
	assert.Zero(t, m.UnbindHardwareAddr("aa:bb:cc:dd:ee:01"))
}

func TestIdentityMapSnapshotIsACopy(t *testing.T) {
	m := NewIdentityMap()
	m.Bind("10.0.0.5", "aa:bb:cc:dd:ee:01")

	snap := m.Snapshot()
	snap["10.0.0.9"] = "ff:ff:ff:ff:ff:ff"

	_, ok := m.Resolve("10.0.0.9")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"mac upper", NormalizeHardwareAddr, "AA:BB:CC:DD:EE:01", "aa:bb:cc:dd:ee:01"},
		{"mac dashes", NormalizeHardwareAddr, "aa-bb-cc-dd-ee-01", "aa:bb:cc:dd:ee:01"},
		{"mac garbage", NormalizeHardwareAddr, " NotAMac ", "notamac"},
		{"ipv4", NormalizeAddress, " 10.0.0.5 ", "10.0.0.5"},
		{"mapped", NormalizeAddress, "::ffff:10.0.0.5", "10.0.0.5"},
		{"not an ip", NormalizeAddress, "host", "host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.in))
		})
	}
}
