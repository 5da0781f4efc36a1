package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lineage/internal/config"
	"github.com/banshee-data/lineage/internal/db"
	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/lineage/linking"
	"github.com/banshee-data/lineage/internal/lineage/spatial"
	"github.com/banshee-data/lineage/internal/lineage/storage/sqlite"
	"github.com/banshee-data/lineage/internal/monitoring"
	"github.com/banshee-data/lineage/internal/prediction"
)

var errNoPrediction = errors.New("no prediction service configured (set prediction_url or --prediction-url)")

// options are the root command's persistent flags plus the tuning they
// resolve to.
type options struct {
	dbPath        string
	configPath    string
	predictionURL string
	dumpMetrics   bool
	verbose       bool

	tuning *config.TuningConfig
}

func (o *options) load() error {
	monitoring.SetVerbose(o.verbose)
	cfg := config.EmptyTuningConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(o.configPath); err != nil {
			return err
		}
	}
	if o.predictionURL != "" {
		cfg.PredictionURL = &o.predictionURL
	}
	if o.dbPath == "" {
		o.dbPath = cfg.GetDatabasePath()
	}
	o.tuning = cfg
	return nil
}

// session is one opened database with its graph loaded and the engine
// components wired to it.
type session struct {
	db        *db.DB
	graph     *lineage.Graph
	store     *sqlite.GraphStore
	journal   *sqlite.UndoJournal
	index     *spatial.Index
	registry  *prometheus.Registry
	metrics   *monitoring.Metrics
	predictor prediction.Client
	poller    *prediction.Poller
	cfg       linking.Config
	tuning    *config.TuningConfig
}

func (o *options) openSession(ctx context.Context) (*session, error) {
	cfg, err := linking.ConfigFromTuning(o.tuning)
	if err != nil {
		return nil, err
	}
	d, err := db.Open(o.dbPath)
	if err != nil {
		return nil, err
	}

	s := &session{
		db:       d,
		store:    sqlite.NewGraphStore(d.DB),
		journal:  sqlite.NewUndoJournal(d.DB),
		index:    spatial.NewIndex(),
		registry: prometheus.NewRegistry(),
		cfg:      cfg,
		tuning:   o.tuning,
	}
	s.metrics = monitoring.NewMetrics(s.registry)
	s.graph = lineage.NewGraph(lineage.WithUndoRecorder(s.journal))
	s.graph.AddListener(s.index)
	if url := o.tuning.GetPredictionURL(); url != "" {
		s.predictor = prediction.NewRemoteClient(nil, prediction.OptionsFromTuning(o.tuning), s.metrics)
		s.poller = prediction.NewPoller(nil, url, nil, o.tuning.GetPollInterval())
	}

	if err := s.store.Load(ctx, s.graph); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() error { return s.db.Close() }

func (s *session) save(ctx context.Context) error {
	// Saving must survive an interrupted run so committed work is kept.
	return s.store.SaveGraph(context.WithoutCancel(ctx), s.graph)
}

func (s *session) engineContext() *linking.EngineContext {
	ec := linking.NewEngineContext()
	ec.OnAborted = func(id uuid.UUID) {
		monitoring.Logf("[lineage] run %s aborted", id)
	}
	return ec
}

// requirePrediction checks the prediction service once before a run that
// depends on it.
func (s *session) requirePrediction(ctx context.Context) error {
	if s.poller == nil {
		return errNoPrediction
	}
	if !s.poller.Check(ctx) {
		return fmt.Errorf("prediction service at %s is not available", s.tuning.GetPredictionURL())
	}
	return nil
}

// watchPrediction runs fn while the poller keeps checking the prediction
// service in the background. The poller only logs; fn is never blocked or
// cancelled by it.
func (s *session) watchPrediction(ctx context.Context, fn func(context.Context) error) error {
	if s.poller == nil {
		return fn(ctx)
	}
	pollCtx, stop := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		if err := s.poller.Run(pollCtx); pollCtx.Err() == nil {
			return err
		}
		return nil
	})
	err := fn(ctx)
	stop()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if !s.poller.Available() {
		monitoring.Logf("[lineage] prediction service at %s was unavailable when the run ended", s.tuning.GetPredictionURL())
	}
	return err
}

func (s *session) writeMetrics(w io.Writer) error {
	families, err := s.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
