package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/memorymesh/memorymesh/src/coordinator"
	"github.com/memorymesh/memorymesh/src/peers"
	"github.com/sirupsen/logrus"
)

// Node is the engine surface the HTTP API exposes.
type Node interface {
	Stats() map[string]string
	RaftStats() map[string]string
	Status() ([]coordinator.NodeRecord, error)
	GetPeers() []*peers.Peer
	Read(key string) ([]byte, error)
}

// Service exposes the node over HTTP for operator tooling.
type Service struct {
	sync.Mutex

	bindAddress string
	node        Node
	logger      *logrus.Entry
}

// NewService creates a Service and registers its handlers.
func NewService(bindAddress string, node Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        node,
		logger:      logger.WithField("prefix", "service"),
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServeMux of the
// http package. Another server in the same process may share the mux, in
// which case the handlers are accessible from both.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/status", s.makeHandler(s.GetStatus))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/raft", s.makeHandler(s.GetRaft))
	http.HandleFunc("/store/", s.makeHandler(s.GetRecord))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServeMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns aggregated node counters.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Stats())
}

// GetStatus returns the node registry snapshot.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.node.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(records)
}

// GetPeers returns the current peer set.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.GetPeers())
}

// GetRaft returns consensus counters.
func (s *Service) GetRaft(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.RaftStats())
}

// GetRecord reads a replicated key.
func (s *Service) GetRecord(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/store/"):]

	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	value, err := s.node.Read(key)
	if err != nil {
		s.logger.WithError(err).Debugf("Reading key %s", key)

		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")

	w.Write(value)
}
