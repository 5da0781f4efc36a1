package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/banshee-data/lineage/internal/httputil"
	"github.com/banshee-data/lineage/internal/prediction"
)

// PredictionServer is an in-process fake of the prediction service.
// Handlers may be replaced before the first request; unset handlers answer
// with empty successful responses.
type PredictionServer struct {
	*httptest.Server

	Flow   func(prediction.FlowRequest) (prediction.FlowResponse, int)
	Detect func(prediction.DetectionRequest) (prediction.DetectionResponse, int)
	Ready  bool

	mu    sync.Mutex
	calls map[string]int
}

// NewPredictionServer starts a fake service. Close it when done.
func NewPredictionServer() *PredictionServer {
	s := &PredictionServer{Ready: true, calls: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/flow", s.handleFlow)
	mux.HandleFunc("/predict", s.handleDetect)
	mux.HandleFunc("/state", s.handleState)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetReady changes what the state endpoint reports. Unlike assigning
// Ready, it is safe while requests are in flight.
func (s *PredictionServer) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ready = ready
}

// Calls returns how many requests reached the given endpoint path.
func (s *PredictionServer) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *PredictionServer) count(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[path]++
}

func (s *PredictionServer) handleFlow(w http.ResponseWriter, r *http.Request) {
	s.count(r.URL.Path)
	var req prediction.FlowRequest
	if !httputil.ReadJSON(w, r, &req) {
		return
	}
	if s.Flow == nil {
		// Zero motion: every spot stays where it is.
		var resp prediction.FlowResponse
		for _, sp := range req.Spots {
			resp.Spots = append(resp.Spots, prediction.FlowResult{ID: sp.ID, Pos: sp.Pos, Covariance: sp.Covariance})
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
		return
	}
	resp, status := s.Flow(req)
	writeResult(w, status, resp)
}

func (s *PredictionServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	s.count(r.URL.Path)
	var req prediction.DetectionRequest
	if !httputil.ReadJSON(w, r, &req) {
		return
	}
	if s.Detect == nil {
		httputil.WriteJSON(w, http.StatusOK, prediction.DetectionResponse{Completed: true})
		return
	}
	resp, status := s.Detect(req)
	writeResult(w, status, resp)
}

func (s *PredictionServer) handleState(w http.ResponseWriter, r *http.Request) {
	s.count(r.URL.Path)
	s.mu.Lock()
	ready := s.Ready
	s.mu.Unlock()
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

func writeResult(w http.ResponseWriter, status int, body any) {
	if status == 0 || status == http.StatusOK {
		httputil.WriteJSON(w, http.StatusOK, body)
		return
	}
	httputil.WriteError(w, status, http.StatusText(status))
}
