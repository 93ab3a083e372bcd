package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxewatch/services/pxe-stack/internal/devices"
	"pxewatch/services/pxe-stack/internal/lifecycle"
)

func newStatusServer(t *testing.T) *httptest.Server {
	t.Helper()
	seen := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	booting := devices.Record{
		HardwareAddr:    "aa:bb:cc:dd:ee:01",
		Stage:           devices.StageBooting,
		LastEvent:       "TFTP GET vmlinuz",
		AssignedAddress: "10.0.0.50",
		LastActiveAt:    seen,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		recs := []devices.Record{booting}
		if stage := r.URL.Query().Get("stage"); stage != "" && stage != string(booting.Stage) {
			recs = []devices.Record{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"devices": recs, "count": len(recs)})
	})
	mux.HandleFunc("/v1/devices/aa:bb:cc:dd:ee:01", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(booting)
	})
	mux.HandleFunc("/v1/devices/aa:bb:cc:dd:ee:99", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"device not found"}`))
	})
	mux.HandleFunc("/v1/ipmap", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"10.0.0.51":"aa:bb:cc:dd:ee:02","10.0.0.50":"aa:bb:cc:dd:ee:01"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestDevicesList(t *testing.T) {
	srv := newStatusServer(t)

	out, _, err := execute(t, "devices", "--api", srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "MAC")
	assert.Contains(t, out, "aa:bb:cc:dd:ee:01")
	assert.Contains(t, out, "booting")
	assert.Contains(t, out, "TFTP GET vmlinuz")

	out, _, err = execute(t, "devices", "--api", srv.URL, "--stage", "booted")
	require.NoError(t, err)
	assert.NotContains(t, out, "aa:bb:cc:dd:ee:01")
}

func TestDevicesShowJSON(t *testing.T) {
	srv := newStatusServer(t)

	out, _, err := execute(t, "devices", "aa:bb:cc:dd:ee:01", "--api", srv.URL, "--json")
	require.NoError(t, err)

	var rec devices.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "10.0.0.50", rec.AssignedAddress)
	assert.Equal(t, devices.StageBooting, rec.Stage)
}

func TestDevicesNotFound(t *testing.T) {
	srv := newStatusServer(t)

	_, _, err := execute(t, "devices", "aa:bb:cc:dd:ee:99", "--api", srv.URL)
	require.Error(t, err)
	assert.Equal(t, "device not found", err.Error())
}

func TestIPMapSorted(t *testing.T) {
	srv := newStatusServer(t)

	out, _, err := execute(t, "ipmap", "--api", srv.URL)
	require.NoError(t, err)
	first := bytes.Index([]byte(out), []byte("10.0.0.50"))
	second := bytes.Index([]byte(out), []byte("10.0.0.51"))
	require.True(t, first > 0 && second > 0)
	assert.Less(t, first, second)
}

func TestMenuRender(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "menu.yaml")
	require.NoError(t, os.WriteFile(src, []byte(`
default: local
entries:
  - name: local
    label: Boot from disk
    localboot: true
  - name: broken
    label: Missing kernel
`), 0o644))

	out, stderr, err := execute(t, "menu", "render", "--file", src)
	require.NoError(t, err)
	assert.Contains(t, out, "DEFAULT local\n")
	assert.Contains(t, out, "LOCALBOOT 0")
	assert.Contains(t, stderr, "warning:")

	dst := filepath.Join(dir, "default")
	_, _, err = execute(t, "menu", "render", "--file", src, "--output", dst)
	require.NoError(t, err)
	written, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, out, string(written))

	_, _, err = execute(t, "menu", "render")
	assert.Error(t, err)
}

func TestFormatChange(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	line := formatChange(lifecycle.Change{
		Kind:         lifecycle.KindTFTPRequest,
		HardwareAddr: "aa:bb:cc:dd:ee:01",
		Previous:     devices.StageIPAssigned,
		Record: devices.Record{
			HardwareAddr: "aa:bb:cc:dd:ee:01",
			Stage:        devices.StageMenu,
			LastEvent:    "TFTP GET pxelinux.cfg/default",
		},
		At: at,
	})
	assert.Contains(t, line, "aa:bb:cc:dd:ee:01 ip_assigned -> menu: TFTP GET pxelinux.cfg/default")

	line = formatChange(lifecycle.Change{Kind: lifecycle.KindEvicted, HardwareAddr: "aa:bb:cc:dd:ee:01", Previous: devices.StageBooted, At: at})
	assert.Contains(t, line, "evicted (was booted)")
}
