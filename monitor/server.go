// Package monitor serves live progress of a running campaign: prometheus
// metrics on /metrics and a websocket event stream on /ws.
package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rowhammer/log"
)

const writeTimeout = 5 * time.Second

var modMonitor = log.NewModule("monitor")

type Server struct {
	srv *http.Server
	ln  net.Listener
	hub *Hub
}

// NewServer starts serving on hostport. Metrics are gathered from g.
func NewServer(hostport string, g prometheus.Gatherer, hub *Hub) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", handleWebsocket(hub))

	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: mux},
		ln:  ln,
		hub: hub,
	}
	go func() {
		modMonitor.InfoZ("monitor listening").String("addr", ln.Addr().String()).End()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			modMonitor.ErrorZ("monitor stopped").Error("err", err).End()
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleWebsocket returns the handler streaming hub events to a client.
func handleWebsocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upgrader = websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		}
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			modMonitor.ErrorZ("websocket handshake failed").Error("err", err).End()
			return
		}
		defer ws.Close()

		modMonitor.DebugZ("websocket client connected").String("remote", r.RemoteAddr).End()

		events := hub.subscribe()
		defer hub.unsubscribe(events)

		// Clients never send anything meaningful; reading detects a close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		if err := ws.WriteJSON(Event{Event: "hello", Data: nil}); err != nil {
			return
		}
		for {
			select {
			case ev := <-events:
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(ev); err != nil {
					modMonitor.DebugZ("websocket client gone").Error("err", err).End()
					return
				}
			case <-closed:
				return
			}
		}
	}
}
