// Package sse implements a Server-Sent Events broker that streams index
// changes to dashboards.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// GraphUpdated is sent at most once per throttle window after entity
// changes, and once more at the end of a window that saw changes.
const GraphUpdated = "graph.updated"

// Entity event kinds forwarded as "entity.<kind>".
var entityKinds = map[string]bool{
	"indexed": true,
	"removed": true,
	"status":  true,
}

type entityEventReq struct {
	kind string
	data any
}

type frame struct {
	id    uint64
	typ   string
	bytes []byte
}

type subscribeReq struct {
	ch    chan []byte
	types map[string]bool
	after uint64
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets the interval of keep-alive comments on open streams.
// Zero disables them.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// WithReplay keeps the last n events for clients reconnecting with
// Last-Event-ID.
func WithReplay(n int) Option {
	return func(b *Broker) { b.replay = n }
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, replay buffer, graph throttle). Public methods communicate with this
// loop through channels, so no mutexes are required.
type Broker struct {
	graphMin  time.Duration
	heartbeat time.Duration
	replay    int

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	entityCh      chan entityEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker with the given graph throttle interval.
func NewBroker(graphThrottle time.Duration, opts ...Option) *Broker {
	if graphThrottle <= 0 {
		graphThrottle = 2 * time.Second
	}

	b := &Broker{
		graphMin:      graphThrottle,
		heartbeat:     15 * time.Second,
		replay:        128,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		entityCh:      make(chan entityEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]map[string]bool)
	var (
		seq        uint64
		history    []frame
		lastGraph  time.Time
		graphDirty bool
		graphTimer *time.Timer
		graphCh    <-chan time.Time
	)

	send := func(ch chan []byte, types map[string]bool, f frame) {
		if len(types) > 0 && !types[f.typ] {
			return
		}
		select {
		case ch <- f.bytes:
		default:
			// Client buffer full; skip to avoid blocking broker loop.
		}
	}

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		f := frame{
			id:    seq,
			typ:   event.Type,
			bytes: []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload)),
		}
		if b.replay > 0 {
			history = append(history, f)
			if len(history) > b.replay {
				history = history[len(history)-b.replay:]
			}
		}
		for ch, types := range clients {
			send(ch, types, f)
		}
	}

	graphEvent := func(now time.Time) {
		lastGraph = now
		graphDirty = false
		broadcast(Event{Type: GraphUpdated, Data: map[string]uint64{"seq": seq + 1}})
	}

	for {
		select {
		case <-b.stopCh:
			if graphTimer != nil {
				graphTimer.Stop()
			}
			for ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			clients[req.ch] = req.types
			if req.after > 0 {
				for _, f := range history {
					if f.id > req.after {
						send(req.ch, req.types, f)
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.entityCh:
			if !entityKinds[req.kind] {
				continue
			}
			broadcast(Event{Type: "entity." + req.kind, Data: req.data})

			now := time.Now()
			if now.Sub(lastGraph) >= b.graphMin {
				graphEvent(now)
				continue
			}
			if !graphDirty {
				graphDirty = true
				wait := b.graphMin - now.Sub(lastGraph)
				if graphTimer == nil {
					graphTimer = time.NewTimer(wait)
				} else {
					graphTimer.Reset(wait)
				}
				graphCh = graphTimer.C
			}

		case <-graphCh:
			graphCh = nil
			if graphDirty {
				graphEvent(time.Now())
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel. A non-empty types
// list restricts delivery to those event types.
func (b *Broker) Subscribe(types ...string) chan []byte {
	return b.SubscribeFrom(0, types...)
}

// SubscribeFrom is Subscribe for a reconnecting client: buffered events
// with an id above lastID are delivered first.
func (b *Broker) SubscribeFrom(lastID uint64, types ...string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	select {
	case b.subscribeCh <- subscribeReq{ch: ch, types: filter, after: lastID}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishEntityEvent publishes an entity change as "entity.<kind>" and
// schedules a throttled graph.updated event. Unknown kinds are dropped.
func (b *Broker) PublishEntityEvent(kind string, data any) {
	if b.closed.Load() {
		return
	}
	select {
	case b.entityCh <- entityEventReq{kind: kind, data: data}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). The optional
// types query parameter is a comma separated list of event types to
// receive.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.SubscribeFrom(lastID, types...)
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
