package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"signaller/pkg/webrtc/protocol"
)

type Settings struct {
	ICEMode    string
	ICEServers []protocol.ICEServer
}

// Relay is the part of relay.Server the HTTP surface needs.
type Relay interface {
	Handler() http.Handler
	Pending() int
}

// NewRouter mounts the relay endpoints next to the ICE settings, health and metrics
// endpoints. metrics may be nil.
func NewRouter(r Relay, settings Settings, metrics http.Handler) http.Handler {
	router := mux.NewRouter()
	router.Handle("/ice", cors.Default().Handler(ICEHandler(settings))).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/healthz", HealthHandler(r)).Methods(http.MethodGet)
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	router.PathPrefix("/").Handler(r.Handler())
	return router
}

// ICEHandler advertises the STUN/TURN servers peers should use.
func ICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, protocol.ICESettings{
			Mode:       settings.ICEMode,
			ICEServers: settings.ICEServers,
		})
	})
}

func HealthHandler(r Relay) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":  "ok",
			"pending": r.Pending(),
		})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("httpapi: encode response: %v", err)
	}
}
