package pxehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pxewatch/services/pxe-stack/internal/devices"
)

// DeviceReader is the read side of the device store.
type DeviceReader interface {
	Snapshot() map[string]devices.Record
	Get(hw string) (devices.Record, bool)
}

// AddressReader is the read side of the identity map.
type AddressReader interface {
	Snapshot() map[string]string
}

// MenuReader returns the generated boot menu, if any.
type MenuReader interface {
	Menu() ([]byte, bool)
}

// API serves read-only views of the lifecycle state. It has no mutating
// routes.
type API struct {
	devices  DeviceReader
	identity AddressReader
	menu     MenuReader
	logger   *log.Logger
}

// New builds the status API. menu may be nil when no menu is generated.
func New(devices DeviceReader, identity AddressReader, menu MenuReader, logger *log.Logger) (*API, error) {
	if devices == nil {
		return nil, errors.New("device reader is required")
	}
	if identity == nil {
		return nil, errors.New("address reader is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &API{devices: devices, identity: identity, menu: menu, logger: logger}, nil
}

// RegisterHandlers mounts the status routes on mux and marks the HTTP
// component ready.
func RegisterHandlers(mux *http.ServeMux, api *API, ready *atomic.Bool, logger *log.Logger) error {
	if mux == nil {
		return errors.New("nil mux")
	}
	if api == nil {
		return errors.New("nil api")
	}
	if ready == nil {
		return errors.New("ready indicator is nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	mux.Handle("/", api.Routes())
	ready.Store(true)
	logger.Printf("INFO http status handlers registered")
	return nil
}

// Routes constructs the chi router for the status endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, errors.New(http.StatusText(http.StatusNotFound)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, errors.New(http.StatusText(http.StatusMethodNotAllowed)))
	})

	r.Get("/clients", a.handleClients)
	r.Get("/ipmap", a.handleIPMap)
	r.Get("/menu", a.handleMenu)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", a.handleListDevices)
		r.Get("/devices/{mac}", a.handleGetDevice)
		r.Get("/ipmap", a.handleIPMap)
	})

	return r
}

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.devices.Snapshot())
}

func (a *API) handleIPMap(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.identity.Snapshot())
}

type deviceList struct {
	Devices []devices.Record `json:"devices"`
	Count   int              `json:"count"`
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	stage := devices.Stage(strings.TrimSpace(r.URL.Query().Get("stage")))

	snapshot := a.devices.Snapshot()
	out := deviceList{Devices: make([]devices.Record, 0, len(snapshot))}
	for _, rec := range snapshot {
		if stage != "" && rec.Stage != stage {
			continue
		}
		out.Devices = append(out.Devices, rec)
	}
	sort.Slice(out.Devices, func(i, j int) bool {
		return out.Devices[i].HardwareAddr < out.Devices[j].HardwareAddr
	})
	out.Count = len(out.Devices)
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := strings.TrimSpace(chi.URLParam(r, "mac"))
	if mac == "" {
		respondError(w, http.StatusBadRequest, errors.New("mac is required"))
		return
	}
	rec, ok := a.devices.Get(mac)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("device %s not found", devices.NormalizeHardwareAddr(mac)))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (a *API) handleMenu(w http.ResponseWriter, r *http.Request) {
	if a.menu == nil {
		respondError(w, http.StatusNotFound, errors.New("no boot menu configured"))
		return
	}
	menu, ok := a.menu.Menu()
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no boot menu configured"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(menu)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
