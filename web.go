package activebee

import (
	"encoding/json"
	"errors"
	"net/http"
	httpPprof "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The admin API is human readable and served as json.
const (
	serverV1UnitsPath = "/api/v1/units"
	serverV1UnitPath  = "/api/v1/units/{id}"
	serverV1HivePath  = "/api/v1/hive"
	metricsPath       = "/metrics"
)

// HiveState is the state of a hive as served by the admin API.
type HiveState struct {
	Location string `json:"location"`
	Endpoint string `json:"endpoint"`
	Units    int    `json:"units"`
}

func (h *hive) mountAdmin(r *mux.Router) {
	v1 := v1Handler{hive: h}
	v1.install(r)
	if h.registry != nil {
		r.Handle(metricsPath, promhttp.HandlerFor(h.registry,
			promhttp.HandlerOpts{}))
	}
	if h.config.Pprof {
		p := pprofHandler{}
		p.install(r)
	}
}

type v1Handler struct {
	hive *hive
}

func (h *v1Handler) install(r *mux.Router) {
	r.HandleFunc(serverV1HivePath, h.handleHive).Methods("GET")
	r.HandleFunc(serverV1UnitsPath, h.handleUnits).Methods("GET")
	r.HandleFunc(serverV1UnitPath, h.handleUnit).Methods("GET")
}

func (h *v1Handler) handleHive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HiveState{
		Location: h.hive.Location(),
		Endpoint: h.hive.Endpoint(),
		Units:    len(h.hive.Units()),
	})
}

func (h *v1Handler) handleUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.hive.Units())
}

func (h *v1Handler) handleUnit(w http.ResponseWriter, r *http.Request) {
	i, err := h.hive.Unit(mux.Vars(r)["id"])
	if errors.Is(err, ErrNoSuchUnit) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, i)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	j, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(j)
}

type pprofHandler struct{}

func (p pprofHandler) install(r *mux.Router) {
	r.HandleFunc("/debug/pprof/cmdline", httpPprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", httpPprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", httpPprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", httpPprof.Trace)
	r.HandleFunc("/debug/pprof/{rest:.*}", httpPprof.Index)
}
