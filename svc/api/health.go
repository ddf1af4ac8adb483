package api

import (
	"context"
	"encoding/json"
	"net/http"
	"psst/svc/idgen"
	"psst/svc/util"
	"sort"
	"sync"
	"time"
)

// Pinger is a dependency probed by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness reports the id generator bootstrap state.
type Readiness interface {
	Stats() idgen.Stats
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready        bool              `json:"ready"`
	Degraded     bool              `json:"degraded"`
	Bootstrap    string            `json:"bootstrap"`
	IDsLoaded    uint64            `json:"ids_loaded"`
	FPRate       float64           `json:"id_false_positive_rate"`
	Dependencies map[string]string `json:"dependencies"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready is 503 until the id set is loaded or while a required dependency is
// down. Optional dependencies only mark the response degraded.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Bootstrap: "loading", Dependencies: map[string]string{}}
	if s.ids != nil {
		st := s.ids.Stats()
		resp.IDsLoaded = st.Added
		resp.FPRate = st.EstimatedFPRate
		if st.Ready {
			resp.Bootstrap = "done"
		} else {
			resp.Ready = false
		}
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		c := s.checks[name]
		wg.Add(1)
		go func(name string, c Check) {
			defer wg.Done()
			pctx, pcancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer pcancel()
			err := c.Pinger.Ping(pctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				resp.Dependencies[name] = "up"
				return
			}
			util.Error().Err(err).Str("dependency", name).Msg("health check failed")
			resp.Dependencies[name] = "down"
			resp.Degraded = true
			if c.Required {
				resp.Ready = false
			}
		}(name, c)
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
