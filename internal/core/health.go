package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout caps the whole health check, not each probe.
const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

type probeResult struct {
	index int
	err   error
}

// HandleHealth runs every probe concurrently under a shared 2s deadline. Any
// failure, panic or timeout yields 503; otherwise 200. Mounted at GET /health
// without authentication.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	// Buffered so late probes never block after we stop listening.
	results := make(chan probeResult, len(probes))
	for i, probe := range probes {
		go func() {
			results <- probeResult{index: i, err: runProbe(ctx, probe)}
		}()
	}

	errs := make([]error, len(probes))
	done := make([]bool, len(probes))
collect:
	for range probes {
		select {
		case res := <-results:
			errs[res.index] = res.err
			done[res.index] = true
		case <-ctx.Done():
			break collect
		}
	}

	resp.Components = make(map[string]componentStatus, len(probes))
	status := http.StatusOK
	for i, probe := range probes {
		switch {
		case !done[i]:
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
			status = http.StatusServiceUnavailable
		case errs[i] != nil:
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: errs[i].Error()}
			status = http.StatusServiceUnavailable
		default:
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}
	if status != http.StatusOK {
		resp.Status = "unhealthy"
	}

	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, probe HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return probe.Check(ctx)
}
