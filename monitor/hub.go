package monitor

import (
	"sync"

	"rowhammer/attack"
	"rowhammer/experiment"
)

// Event is a message pushed to websocket clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// data for the 'state' event.
type stateData struct {
	Board string `json:"board"`
	State string `json:"state"`
}

// data for the 'progress' event.
type progressData struct {
	Board string `json:"board"`
	Done  uint64 `json:"done"`
	Total uint64 `json:"total"`
}

// data for the 'trial' event.
type trialData struct {
	Kind     string  `json:"kind"`
	Value    float64 `json:"value"`
	Repeat   int     `json:"repeat"`
	Metric   float64 `json:"metric"`
	Faults   int     `json:"faults"`
	NotFound bool    `json:"not_found,omitempty"`
	Error    string  `json:"error,omitempty"`
}

const clientQueue = 64

// Hub fans events out to the connected clients. A client too slow to keep up
// loses events rather than blocking the attack.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan Event]struct{})}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, clientQueue)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Broadcast sends ev to every client without blocking.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.dropped++
			if h.dropped%1000 == 1 {
				modMonitor.WarnZ("slow websocket client, dropping events").Uint("dropped", h.dropped).End()
			}
		}
	}
}

// Observer returns an attack observer broadcasting the events of board.
func (h *Hub) Observer(board string) attack.Observer {
	return hubObserver{h: h, board: board}
}

type hubObserver struct {
	h     *Hub
	board string
}

func (o hubObserver) OnState(s attack.State) {
	o.h.Broadcast(Event{Event: "state", Data: stateData{Board: o.board, State: s.String()}})
}

func (o hubObserver) OnProgress(done, total uint64) {
	o.h.Broadcast(Event{Event: "progress", Data: progressData{Board: o.board, Done: done, Total: total}})
}

// TrialHook returns a function suitable for experiment.Driver.OnTrial.
func (h *Hub) TrialHook(kind string) func(float64, experiment.Trial) {
	return func(v float64, t experiment.Trial) {
		h.Broadcast(Event{Event: "trial", Data: trialData{
			Kind:     kind,
			Value:    v,
			Repeat:   t.Repeat,
			Metric:   t.Metric,
			Faults:   t.Faults,
			NotFound: t.NotFound,
			Error:    t.Err,
		}})
	}
}
