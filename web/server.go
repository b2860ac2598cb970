package web

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jnb666/convnet/nnet"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Status is returned from the /stats endpoint
type Status struct {
	Run     string
	Epoch   int
	Epochs  int
	Batch   int
	Batches int
	Running bool
	Stopped string
	Headers []string
	Stats   []nnet.Stats
}

type pageData struct {
	Status
	Title   string
	Flashes []string
	Rows    []nnet.Stats
	RunTime string
	Weights []*weightImage
}

// Handler returns the router for the monitor pages. If auth is not nil then it is applied to all requests.
func (m *Monitor) Handler(auth *AuthMiddleware) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", m.page).Methods("GET")
	r.HandleFunc("/stats", m.statsJSON).Methods("GET")
	r.HandleFunc("/plot/{name:(?:loss|error)}.svg", m.plotSVG).Methods("GET")
	r.HandleFunc("/weights/{layer:[0-9]+}.png", m.weightsPNG).Methods("GET")
	r.HandleFunc("/train/stop", m.stop).Methods("POST")
	r.HandleFunc("/ws", m.wsHandler)
	if auth != nil {
		r.Use(auth.Middleware)
	}
	return r
}

// Serve starts a http server in the background listening on addr.
func (m *Monitor) Serve(addr string, auth *AuthMiddleware) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error starting web server: %w", err)
	}
	srv := &http.Server{Handler: m.Handler(auth), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Println("web server error:", err)
		}
	}()
	log.Printf("serving training monitor at http://%s/", ln.Addr())
	return srv, nil
}

// must be called with the lock held
func (m *Monitor) status() Status {
	return Status{
		Run:     m.run,
		Epoch:   m.epoch,
		Epochs:  m.epochs,
		Batch:   m.batch,
		Batches: m.batches,
		Running: m.running,
		Stopped: m.stopped,
		Headers: nnet.StatsHeaders(),
		Stats:   append([]nnet.Stats{}, m.stats...),
	}
}

func (m *Monitor) page(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: m.Title}
	if session, err := m.store.Get(r, sessionName); err == nil {
		for _, f := range session.Flashes() {
			data.Flashes = append(data.Flashes, fmt.Sprint(f))
		}
		if len(data.Flashes) > 0 {
			session.Save(r, w)
		}
	}
	m.Lock()
	data.Status = m.status()
	data.Weights = m.weights
	m.Unlock()
	for i := len(data.Stats) - 1; i >= 0; i-- {
		data.Rows = append(data.Rows, data.Stats[i])
	}
	if n := len(data.Stats); n > 0 {
		data.RunTime = data.Stats[n-1].Elapsed.Round(10 * time.Millisecond).String()
	}
	execTemplate(w, pageTemplate, data)
}

func (m *Monitor) statsJSON(w http.ResponseWriter, r *http.Request) {
	m.Lock()
	status := m.status()
	m.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Println("error encoding stats:", err)
	}
}

func (m *Monitor) plotSVG(w http.ResponseWriter, r *http.Request) {
	list := lossSeries
	if mux.Vars(r)["name"] == "error" {
		list = errorSeries
	}
	data, err := plotStats(m.Stats(), list)
	if err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(data)
}

func (m *Monitor) weightsPNG(w http.ResponseWriter, r *http.Request) {
	layer, _ := strconv.Atoi(mux.Vars(r)["layer"])
	m.Lock()
	defer m.Unlock()
	for _, wi := range m.weights {
		if wi.Layer == layer {
			w.Header().Set("Content-Type", "image/png")
			if err := png.Encode(w, wi.img); err != nil {
				log.Println("error encoding image:", err)
			}
			return
		}
	}
	http.NotFound(w, r)
}

func (m *Monitor) stop(w http.ResponseWriter, r *http.Request) {
	m.Lock()
	msg := "training is not running"
	if m.running {
		m.stopReq = true
		msg = fmt.Sprintf("training will stop at the end of epoch %d", m.epoch)
	}
	m.Unlock()
	log.Println(msg)
	if session, err := m.store.Get(r, sessionName); err == nil {
		session.AddFlash(msg)
		session.Save(r, w)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (m *Monitor) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("websocket upgrade error:", err)
		return
	}
	m.Lock()
	m.clients[conn] = true
	m.Unlock()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	m.Lock()
	delete(m.clients, conn)
	m.Unlock()
	conn.Close()
}
