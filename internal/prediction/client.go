// Package prediction talks to the remote optical-flow and detection
// service over HTTP/JSON.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/banshee-data/lineage/internal/config"
	"github.com/banshee-data/lineage/internal/httputil"
	"github.com/banshee-data/lineage/internal/monitoring"
)

const (
	endpointFlow    = "flow"
	endpointPredict = "predict"
	endpointState   = "state"
)

// Client is the prediction capability used by the engines.
type Client interface {
	PredictFlow(ctx context.Context, req FlowRequest) (FlowResponse, error)
	PredictDetection(ctx context.Context, req DetectionRequest) (DetectionResponse, error)
}

// Options configures a RemoteClient.
type Options struct {
	BaseURL     string
	Timeout     time.Duration // per request; zero disables
	RateLimit   float64       // requests per second; zero or less disables
	Burst       int
	BatchSize   int // spots per flow request
	Concurrency int // flow batches in flight
	Dataset     DatasetParams
}

// OptionsFromTuning builds client options from the tuning configuration.
func OptionsFromTuning(cfg *config.TuningConfig) Options {
	return Options{
		BaseURL:     cfg.GetPredictionURL(),
		Timeout:     cfg.GetPredictionTimeout(),
		RateLimit:   cfg.GetPredictionRateLimit(),
		Burst:       cfg.GetPredictionBurst(),
		BatchSize:   cfg.GetFlowBatchSize(),
		Concurrency: cfg.GetFlowConcurrency(),
		Dataset: DatasetParams{
			Name:   cfg.GetDatasetName(),
			Scales: cfg.GetDatasetScales(),
			Shape:  cfg.GetDatasetShape(),
		},
	}
}

// RemoteClient implements Client against the HTTP service.
type RemoteClient struct {
	http    httputil.HTTPClient
	opts    Options
	limiter *rate.Limiter
	metrics *monitoring.Metrics
}

// NewRemoteClient creates a client. A nil c uses http.DefaultClient.
func NewRemoteClient(c httputil.HTTPClient, opts Options, m *monitoring.Metrics) *RemoteClient {
	c = httputil.OrDefault(c)
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BatchSize < 1 {
		opts.BatchSize = 1 << 30
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}
	return &RemoteClient{http: c, opts: opts, limiter: limiter, metrics: m}
}

// PredictFlow requests optical-flow predictions. Requests with more spots
// than the batch size are split, sent concurrently and merged back in
// request order. Any failing batch fails the whole call.
func (c *RemoteClient) PredictFlow(ctx context.Context, req FlowRequest) (FlowResponse, error) {
	if req.Dataset == (DatasetParams{}) {
		req.Dataset = c.opts.Dataset
	}
	if len(req.Spots) <= c.opts.BatchSize {
		var resp FlowResponse
		err := c.post(ctx, endpointFlow, req, &resp)
		return resp, err
	}

	var batches [][]FlowSpot
	for start := 0; start < len(req.Spots); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(req.Spots))
		batches = append(batches, req.Spots[start:end])
	}
	results := make([]FlowResponse, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, spots := range batches {
		g.Go(func() error {
			sub := req
			sub.Spots = spots
			return c.post(gctx, endpointFlow, sub, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return FlowResponse{}, err
	}

	var merged FlowResponse
	for _, r := range results {
		merged.Spots = append(merged.Spots, r.Spots...)
	}
	monitoring.Debugf("[prediction] flow t=%d: %d spots in %d batches", req.Timepoint, len(req.Spots), len(batches))
	return merged, nil
}

// PredictDetection requests candidate detections around a point.
func (c *RemoteClient) PredictDetection(ctx context.Context, req DetectionRequest) (DetectionResponse, error) {
	if req.Dataset == (DatasetParams{}) {
		req.Dataset = c.opts.Dataset
	}
	var resp DetectionResponse
	err := c.post(ctx, endpointPredict, req, &resp)
	return resp, err
}

func (c *RemoteClient) post(ctx context.Context, endpoint string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.PredictionRequest(endpoint, "cancelled")
		return fmt.Errorf("prediction %s: %w", endpoint, err)
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.opts.BaseURL+"/"+endpoint, in, out)
	var se *httputil.StatusError
	switch {
	case err == nil:
		c.metrics.PredictionRequest(endpoint, "ok")
		return nil
	case errors.As(err, &se):
		c.metrics.PredictionRequest(endpoint, strconv.Itoa(se.StatusCode))
		monitoring.Logf("[prediction] %s returned %d: %s", endpoint, se.StatusCode, se.Message)
		return &RemoteError{Endpoint: endpoint, StatusCode: se.StatusCode, Message: se.Message}
	default:
		c.metrics.PredictionRequest(endpoint, "error")
		return fmt.Errorf("prediction %s: %w", endpoint, err)
	}
}
