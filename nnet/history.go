package nnet

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History is a sqlite database with a row for each training run and each epoch.
type History struct {
	db *sql.DB
}

// Run summary
type Run struct {
	ID       string
	Started  time.Time
	Epochs   int
	Stopped  string
	Config   Config
	Complete bool
}

// OpenHistory opens or creates the database file.
func OpenHistory(name string) (*History, error) {
	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, fmt.Errorf("error opening history: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started INTEGER,
		config TEXT,
		epochs INTEGER DEFAULT 0,
		stopped TEXT DEFAULT '',
		complete INTEGER DEFAULT 0
	)`)
	if err == nil {
		_, err = db.Exec(`CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT,
			epoch INTEGER,
			train_cost REAL,
			eval_cost REAL,
			eval_error REAL,
			avg_error REAL,
			evaluated INTEGER,
			elapsed INTEGER,
			PRIMARY KEY (run_id, epoch)
		)`)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating history tables in %s: %w", name, err)
	}
	return &History{db: db}, nil
}

// Close the database, further calls have no effect.
func (h *History) Close() error {
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// StartRun adds a new run with the given config
func (h *History) StartRun(id string, conf Config, start time.Time) error {
	data, err := json.Marshal(conf)
	if err != nil {
		return err
	}
	_, err = h.db.Exec("INSERT INTO runs (id, started, config) VALUES (?, ?, ?)", id, start.UnixNano(), string(data))
	return err
}

// AddEpoch records the stats for one epoch
func (h *History) AddEpoch(id string, s Stats) error {
	_, err := h.db.Exec(`INSERT OR REPLACE INTO epochs
		(run_id, epoch, train_cost, eval_cost, eval_error, avg_error, evaluated, elapsed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.Epoch, s.TrainCost, s.EvalCost, s.EvalError, s.AvgError, s.Evaluated, int64(s.Elapsed))
	if err == nil {
		_, err = h.db.Exec("UPDATE runs SET epochs = ? WHERE id = ?", s.Epoch, id)
	}
	return err
}

// EndRun marks the run as complete
func (h *History) EndRun(id string, epochs int, stopped string) error {
	_, err := h.db.Exec("UPDATE runs SET epochs = ?, stopped = ?, complete = 1 WHERE id = ?", epochs, stopped, id)
	return err
}

// Runs lists all of the runs, oldest first
func (h *History) Runs() ([]Run, error) {
	rows, err := h.db.Query("SELECT id, started, config, epochs, stopped, complete FROM runs ORDER BY started")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var conf string
		if err := rows.Scan(&r.ID, &started, &conf, &r.Epochs, &r.Stopped, &r.Complete); err != nil {
			return nil, err
		}
		r.Started = time.Unix(0, started)
		if err := json.Unmarshal([]byte(conf), &r.Config); err != nil {
			return nil, fmt.Errorf("run %s: invalid config: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns the stats for each epoch of the run
func (h *History) Epochs(id string) ([]Stats, error) {
	rows, err := h.db.Query(`SELECT epoch, train_cost, eval_cost, eval_error, avg_error, evaluated, elapsed
		FROM epochs WHERE run_id = ? ORDER BY epoch`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Stats
	for rows.Next() {
		s := Stats{BestSince: -1}
		var elapsed int64
		if err := rows.Scan(&s.Epoch, &s.TrainCost, &s.EvalCost, &s.EvalError, &s.AvgError, &s.Evaluated, &elapsed); err != nil {
			return nil, err
		}
		s.Elapsed = time.Duration(elapsed)
		list = append(list, s)
	}
	return list, rows.Err()
}
