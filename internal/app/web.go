package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/phase_monitor/internal/config"
	"github.com/relabs-tech/phase_monitor/internal/report"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served from the same host on the LAN
	},
}

// phaseView is what /api/phases returns for one phase.
type phaseView struct {
	Latest *report.Phase `json:"latest,omitempty"`
	Stats  *report.Stats `json:"stats,omitempty"`
}

// webState caches the latest reports from MQTT and fans sequence reports
// out to websocket clients.
type webState struct {
	mu       sync.RWMutex
	phases   map[string]phaseView
	sequence *report.Sequence

	subMu sync.Mutex
	subs  map[chan []byte]struct{}
}

func newWebState() *webState {
	return &webState{
		phases: make(map[string]phaseView, 3),
		subs:   make(map[chan []byte]struct{}),
	}
}

func (s *webState) setPhase(p report.Phase) {
	s.mu.Lock()
	v := s.phases[p.Phase]
	v.Latest = &p
	s.phases[p.Phase] = v
	s.mu.Unlock()
}

func (s *webState) setStats(st report.Stats) {
	s.mu.Lock()
	v := s.phases[st.Phase]
	v.Stats = &st
	s.phases[st.Phase] = v
	s.mu.Unlock()
}

func (s *webState) setSequence(rep report.Sequence) {
	s.mu.Lock()
	s.sequence = &rep
	s.mu.Unlock()

	msg, err := json.Marshal(rep)
	if err != nil {
		slog.Warn("web: sequence marshal error", "err", err)
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		// A slow client misses intermediate reports.
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *webState) subscribe() chan []byte {
	ch := make(chan []byte, 4)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *webState) unsubscribe(ch chan []byte) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *webState) router(staticDir string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/phases", s.handlePhases).Methods(http.MethodGet)
	r.HandleFunc("/api/sequence", s.handleSequence).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

func (s *webState) handlePhases(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.phases) == 0 {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.phases)
}

func (s *webState) handleSequence(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	rep := s.sequence
	s.mu.RUnlock()
	if rep == nil {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleWS streams every sequence report, starting with the cached one.
func (s *webState) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("web: websocket upgrade error", "err", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	s.mu.RLock()
	current := s.sequence
	s.mu.RUnlock()
	if current != nil {
		if err := conn.WriteJSON(current); err != nil {
			return
		}
	}

	// The client never sends; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("web: websocket write error", "err", err)
				return
			}
		}
	}
}

// phaseFromTopic maps "phase/a" or "phase/a/stats" back to "A".
func phaseFromTopic(cfg *config.Config, topic string) string {
	topic = strings.TrimSuffix(topic, "/stats")
	for _, p := range []string{"A", "B", "C"} {
		if cfg.PhaseTopic(p) == topic {
			return p
		}
	}
	return ""
}

// RunWeb serves the dashboard and its JSON API from the reports on MQTT.
func RunWeb(ctx context.Context) error {
	cfg := config.Get()
	state := newWebState()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	for _, p := range []string{"A", "B", "C"} {
		topic := cfg.PhaseTopic(p)
		if err := subscribeJSON(client, topic, func(_ string, rep report.Phase) {
			state.setPhase(rep)
		}); err != nil {
			return err
		}
		if err := subscribeJSON(client, topic+"/stats", func(t string, rep report.Stats) {
			if rep.Phase == "" {
				rep.Phase = phaseFromTopic(cfg, t)
			}
			state.setStats(rep)
		}); err != nil {
			return err
		}
	}
	if err := subscribeJSON(client, cfg.TopicSequence, func(_ string, rep report.Sequence) {
		state.setSequence(rep)
	}); err != nil {
		return err
	}

	return serveHTTP(ctx, "web", fmt.Sprintf(":%d", cfg.WebServerPort), state.router("web"))
}
