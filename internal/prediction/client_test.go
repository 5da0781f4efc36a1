package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lineage/internal/config"
	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/httputil"
	"github.com/banshee-data/lineage/internal/monitoring"
)

func flowSpots(n int) []FlowSpot {
	out := make([]FlowSpot, n)
	for i := range out {
		out[i] = FlowSpot{ID: uint64(i + 1), Pos: geometry.Vec3{float64(i), 0, 0}, Covariance: geometry.DefaultCovariance}
	}
	return out
}

// echoFlow answers a flow request by shifting every spot one unit in y.
func echoFlow(c httputil.Call) (*http.Response, error) {
	var in FlowRequest
	if err := json.Unmarshal(c.Body, &in); err != nil {
		return nil, err
	}
	var out FlowResponse
	for _, s := range in.Spots {
		out.Spots = append(out.Spots, FlowResult{
			ID:         s.ID,
			Pos:        s.Pos.Add(geometry.Vec3{0, 1, 0}),
			Covariance: s.Covariance,
			SqDisp:     1,
		})
	}
	b, _ := json.Marshal(out)
	return httputil.NewResponse(http.StatusOK, string(b)), nil
}

func TestPredictFlowSingleRequest(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.Handle = echoFlow
	dataset := DatasetParams{Name: "embryo", Scales: [3]float64{2, 1, 1}, Shape: [4]int{50, 30, 512, 512}}
	c := NewRemoteClient(mock, Options{BaseURL: "http://svc/", Dataset: dataset}, nil)

	resp, err := c.PredictFlow(context.Background(), FlowRequest{Timepoint: 7, Spots: flowSpots(3)})
	require.NoError(t, err)
	require.Len(t, resp.Spots, 3)
	assert.Equal(t, geometry.Vec3{2, 1, 0}, resp.ByID()[3].Pos)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/flow", calls[0].Path)

	var sent FlowRequest
	require.NoError(t, json.Unmarshal(calls[0].Body, &sent))
	assert.Equal(t, 7, sent.Timepoint)
	if diff := cmp.Diff(dataset, sent.Dataset); diff != "" {
		t.Errorf("dataset mismatch (-want +got):\n%s", diff)
	}
}

func TestPredictFlowBatches(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.Handle = echoFlow
	c := NewRemoteClient(mock, Options{BaseURL: "http://svc", BatchSize: 2, Concurrency: 2}, nil)

	spots := flowSpots(5)
	resp, err := c.PredictFlow(context.Background(), FlowRequest{Timepoint: 3, Spots: spots})
	require.NoError(t, err)
	assert.Len(t, mock.Calls(), 3)

	require.Len(t, resp.Spots, len(spots))
	for i, s := range resp.Spots {
		assert.Equal(t, spots[i].ID, s.ID, "results keep request order")
	}
}

func TestPredictFlowBatchFailure(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	mock.Handle = func(c httputil.Call) (*http.Response, error) {
		if bytes.Contains(c.Body, []byte(`"id":3`)) {
			return httputil.NewResponse(http.StatusServiceUnavailable, `{"error":"gpu busy"}`), nil
		}
		return echoFlow(c)
	}
	c := NewRemoteClient(mock, Options{BaseURL: "http://svc", BatchSize: 2}, nil)

	_, err := c.PredictFlow(context.Background(), FlowRequest{Spots: flowSpots(4)})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "flow", re.Endpoint)
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	assert.Equal(t, "gpu busy", re.Message)
}

func TestPredictDetection(t *testing.T) {
	t.Parallel()

	want := DetectionResponse{
		Completed: true,
		Spots:     []Detection{{Pos: geometry.Vec3{4, 5, 6}, Covariance: geometry.Isotropic(2), T: 8}},
	}
	mock := httputil.NewMockHTTPClient().ReplyJSON(http.StatusOK, want)
	c := NewRemoteClient(mock, Options{BaseURL: "http://svc"}, nil)

	got, err := c.PredictDetection(context.Background(), DetectionRequest{
		Pos:       geometry.Vec3{4, 5, 6},
		Timepoint: 8,
		CropBox:   geometry.CropAround(geometry.Vec3{4, 5, 6}, 16),
	})
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/predict", calls[0].Path)
	assert.Contains(t, string(calls[0].Body), `"crop_box":{"min":[0,0,0],"max":[21,22,23]}`)
}

func TestPredictErrors(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	tests := []struct {
		name   string
		setup  func(*httputil.MockHTTPClient)
		check  func(*testing.T, error)
		status string
	}{
		{
			name:  "remote error with message",
			setup: func(m *httputil.MockHTTPClient) { m.Reply(http.StatusBadRequest, `{"error":"timepoint out of range"}`) },
			check: func(t *testing.T, err error) {
				var re *RemoteError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, "timepoint out of range", re.Message)
				assert.Contains(t, err.Error(), "status 400")
			},
			status: "400",
		},
		{
			name:  "transport error",
			setup: func(m *httputil.MockHTTPClient) { m.Fail(refused) },
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, refused)
			},
			status: "error",
		},
		{
			name:  "malformed body",
			setup: func(m *httputil.MockHTTPClient) { m.Reply(http.StatusOK, `{"completed":`) },
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "decode response")
			},
			status: "error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := httputil.NewMockHTTPClient()
			tt.setup(mock)
			metrics := monitoring.NewMetrics(nil)
			c := NewRemoteClient(mock, Options{BaseURL: "http://svc"}, metrics)

			_, err := c.PredictDetection(context.Background(), DetectionRequest{})
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PredictionRequests().WithLabelValues("predict", tt.status)))
		})
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient()
	c := NewRemoteClient(mock, Options{BaseURL: "http://svc", RateLimit: 0.001, Burst: 1}, nil)

	_, err := c.PredictDetection(context.Background(), DetectionRequest{})
	require.NoError(t, err)

	// The single token is spent; the next call would wait far longer than
	// the deadline allows.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.PredictDetection(ctx, DetectionRequest{})
	require.Error(t, err)
	assert.Len(t, mock.Calls(), 1)
}

func TestOptionsFromTuning(t *testing.T) {
	t.Parallel()

	cfg := config.EmptyTuningConfig()
	url := "http://gpu:9000"
	batch := 64
	cfg.PredictionURL = &url
	cfg.FlowBatchSize = &batch

	opts := OptionsFromTuning(cfg)
	assert.Equal(t, url, opts.BaseURL)
	assert.Equal(t, 64, opts.BatchSize)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, [3]float64{1, 1, 1}, opts.Dataset.Scales)
}
