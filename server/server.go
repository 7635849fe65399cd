// Package server wires the analysis engine, persistence, alerting and the
// HTTP API into a runnable service.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/alerts"
	"github.com/crowdcam/crowdcam/server/config"
	"github.com/crowdcam/crowdcam/server/detect"
	"github.com/crowdcam/crowdcam/server/engine"
	"github.com/crowdcam/crowdcam/server/metrics"
	"github.com/crowdcam/crowdcam/server/riskdb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log     logs.Log
	Config  *config.Config
	DB      *riskdb.RiskDB
	Pool    *engine.Pool
	Alerts  *alerts.Broker
	Metrics *metrics.Metrics

	// ShutdownStarted is closed when shutdown begins
	ShutdownStarted chan bool

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
}

func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	db, err := riskdb.Open(logger, cfg.DataRoot, riskdb.RetentionPolicy{
		MaxAge:       time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
		SampleMaxAge: time.Duration(cfg.Retention.SampleMaxAgeDays) * 24 * time.Hour,
		MaxSamples:   cfg.Retention.MaxSamples,
	})
	if err != nil {
		return nil, err
	}

	detectors := []nn.PersonDetector{}
	if cfg.FaceCascade != "" {
		fd, err := detect.NewFaceDetector(cfg.FaceCascade, detect.DefaultFaceDetectorOptions())
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, fd)
		logger.Infof("Loaded face cascade from %v", cfg.FaceCascade)
	} else {
		logger.Warnf("No face cascade configured. Detection will run in degraded mode.")
	}

	var classifier nn.Classifier
	if len(cfg.Classifiers) > 0 {
		members := []nn.Classifier{}
		for _, filename := range cfg.Classifiers {
			model, err := nn.LoadLinearModel(filename)
			if err != nil {
				return nil, err
			}
			members = append(members, model)
		}
		classifier = nn.NewEnsemble(members...)
		logger.Infof("Loaded %v crowd classifier(s)", len(members))
	}

	broker := alerts.NewBroker(logger, cfg.AlertWebhook)
	m := metrics.New()

	options := engine.Options{
		QueueDepth:       cfg.Engine.QueueDepth,
		FuseParams:       cfg.FuseParams(),
		Thresholds:       cfg.Risk,
		PersistThreshold: cfg.Engine.PersistThreshold,
		IncludeBoxes:     cfg.Engine.IncludeBoxes,
		CalibrationAlpha: cfg.Engine.CalibrationAlpha,
		CalibrationBeta:  cfg.Engine.CalibrationBeta,
	}
	pool := engine.NewPool(cfg.Engine.NumEngines, func(i int) *engine.Engine {
		// Detectors and classifier are stateless across frames, so engine
		// instances can share them.
		return engine.NewEngine(logger, options, detectors, classifier, db, broker, m)
	})

	s := &Server{
		Log:             logger,
		Config:          cfg,
		DB:              db,
		Pool:            pool,
		Alerts:          broker,
		Metrics:         m,
		ShutdownStarted: make(chan bool),
	}
	s.setupHttpRoutes()
	return s, nil
}

// ListenHTTP blocks until Shutdown, or a listener error
func (s *Server) ListenHTTP() error {
	s.Log.Infof("Listening on %v", s.Config.HTTP.Port)
	s.httpServer = &http.Server{
		Addr:    s.Config.HTTP.Port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down.", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	close(s.ShutdownStarted)
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
	s.Pool.Close()
	s.DB.Close()
	s.Log.Infof("Shutdown complete")
}
