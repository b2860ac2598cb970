// Package web has a web based monitor which shows the progress of a training run.
package web

import (
	"log"
	"time"

	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	sync "github.com/sasha-s/go-deadlock"

	"github.com/jnb666/convnet/nnet"
)

const writeTimeout = 5 * time.Second

// Monitor records the stats from each epoch and serves them over http. Add it to the training callbacks
// to use it. The epoch number is pushed to any websocket clients after each epoch.
type Monitor struct {
	Title   string
	run     string
	epoch   int
	epochs  int
	batch   int
	batches int
	stats   []nnet.Stats
	running bool
	stopReq bool
	stopped string
	weights []*weightImage
	clients map[*websocket.Conn]bool
	store   sessions.Store
	sync.Mutex
}

// Message sent to websocket clients
type Message struct {
	Run     string
	Epoch   int
	Epochs  int
	Running bool
	Stats   *nnet.Stats `json:",omitempty"`
}

func NewMonitor(title string, store sessions.Store) *Monitor {
	if store == nil {
		store = NewSessionStore()
	}
	return &Monitor{Title: title, store: store, clients: map[*websocket.Conn]bool{}}
}

// Store is the session store used for flash messages, share it with the auth middleware.
func (m *Monitor) Store() sessions.Store { return m.store }

func (m *Monitor) OnTrainBegin(s *nnet.State) error {
	var weights []*weightImage
	for i, layer := range s.Net.Layers {
		if w := newWeightImage(i, layer); w != nil {
			w.load(s.Net.Queue(), layer)
			weights = append(weights, w)
		}
	}
	m.Lock()
	defer m.Unlock()
	m.run = s.RunID
	m.epoch, m.epochs = 0, s.Epochs
	m.batch, m.batches = 0, s.Batches
	m.stats = nil
	m.running = true
	m.stopReq = false
	m.stopped = ""
	m.weights = weights
	for _, w := range m.weights {
		w.draw()
	}
	return nil
}

func (m *Monitor) OnEpochBegin(s *nnet.State) error {
	m.Lock()
	m.epoch, m.batch = s.Epoch, 0
	m.Unlock()
	return nil
}

func (m *Monitor) OnMinibatchEnd(s *nnet.State, cost float64) error {
	m.Lock()
	m.batch = s.Batch
	m.Unlock()
	return nil
}

func (m *Monitor) OnEpochEnd(s *nnet.State) error {
	for _, w := range m.weights {
		w.load(s.Net.Queue(), s.Net.Layers[w.Layer])
	}
	m.Lock()
	defer m.Unlock()
	for _, w := range m.weights {
		w.draw()
	}
	stats := *s.Current()
	m.stats = append(m.stats, stats)
	if m.stopReq {
		s.Stop("stopped from web monitor")
	}
	m.broadcast(Message{Run: m.run, Epoch: s.Epoch, Epochs: m.epochs, Running: true, Stats: &stats})
	return nil
}

func (m *Monitor) OnTrainEnd(s *nnet.State) error {
	m.Lock()
	defer m.Unlock()
	m.running = false
	m.stopped = s.Stopped()
	m.broadcast(Message{Run: m.run, Epoch: m.epoch, Epochs: m.epochs})
	return nil
}

// Stats returns a copy of the stats recorded so far
func (m *Monitor) Stats() []nnet.Stats {
	m.Lock()
	defer m.Unlock()
	return append([]nnet.Stats{}, m.stats...)
}

// Clients returns the number of connected websocket clients
func (m *Monitor) Clients() int {
	m.Lock()
	defer m.Unlock()
	return len(m.clients)
}

// must be called with the lock held
func (m *Monitor) broadcast(msg Message) {
	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Println("websocket write error:", err)
			delete(m.clients, conn)
			conn.Close()
		}
	}
}
