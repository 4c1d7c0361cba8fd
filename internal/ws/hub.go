package ws

import "sync"

// DefaultQueueSize bounds the entries buffered for one subscriber.
const DefaultQueueSize = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans recorded entries out to subscribers of a process model. Every
// subscriber has its own queue and writer goroutine, so Broadcast never waits
// on a peer. A subscriber whose queue is full is disconnected.
type Hub struct {
	mu        sync.RWMutex
	peers     map[string]map[Subscriber]*peer
	queueSize int
	closed    bool
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// peer owns the queue of one subscriber.
type peer struct {
	processModelID string
	sub            Subscriber
	queue          chan []byte
	stop           chan struct{}
	once           sync.Once
}

// NewHub creates an initialized Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		peers:     make(map[string]map[Subscriber]*peer),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a client to a process model stream.
func (h *Hub) Register(processModelID string, client Subscriber) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.Close()
		return
	}
	if _, ok := h.peers[processModelID][client]; ok {
		h.mu.Unlock()
		return
	}
	p := &peer{
		processModelID: processModelID,
		sub:            client,
		queue:          make(chan []byte, h.queueSize),
		stop:           make(chan struct{}),
	}
	if _, ok := h.peers[processModelID]; !ok {
		h.peers[processModelID] = make(map[Subscriber]*peer)
	}
	h.peers[processModelID][client] = p
	h.mu.Unlock()

	go h.pump(p)
}

// Unregister removes a client. Its writer stops after any in-flight send.
func (h *Hub) Unregister(processModelID string, client Subscriber) {
	h.mu.Lock()
	p, ok := h.peers[processModelID][client]
	if ok {
		h.detach(p)
	}
	h.mu.Unlock()
	if ok {
		p.halt()
	}
}

// Broadcast queues payload for every subscriber of the process model and returns
// without waiting for delivery.
func (h *Hub) Broadcast(processModelID string, payload []byte) {
	var overflowed []*peer
	h.mu.RLock()
	for _, p := range h.peers[processModelID] {
		select {
		case p.queue <- payload:
		default:
			overflowed = append(overflowed, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range overflowed {
		h.drop(p)
	}
}

// Subscribers reports how many clients follow the process model.
func (h *Hub) Subscribers(processModelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[processModelID])
}

// Close disconnects every subscriber and stops the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*peer
	for _, clients := range h.peers {
		for _, p := range clients {
			all = append(all, p)
		}
	}
	h.peers = make(map[string]map[Subscriber]*peer)
	h.mu.Unlock()

	for _, p := range all {
		p.halt()
	}
}

func (h *Hub) pump(p *peer) {
	defer p.sub.Close()
	for {
		select {
		case <-p.stop:
			return
		case payload := <-p.queue:
			select {
			case <-p.stop:
				return
			default:
			}
			if err := p.sub.Send(payload); err != nil {
				h.drop(p)
				return
			}
		}
	}
}

// drop removes p if it is still registered and stops its writer.
func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	if current, ok := h.peers[p.processModelID][p.sub]; ok && current == p {
		h.detach(p)
	}
	h.mu.Unlock()
	p.halt()
}

// detach requires h.mu.
func (h *Hub) detach(p *peer) {
	clients := h.peers[p.processModelID]
	delete(clients, p.sub)
	if len(clients) == 0 {
		delete(h.peers, p.processModelID)
	}
}

func (p *peer) halt() {
	p.once.Do(func() { close(p.stop) })
}
