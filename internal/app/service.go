package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/clock"
	"alertcore/internal/config"
	"alertcore/internal/dedup"
	"alertcore/internal/domain"
	"alertcore/internal/escalation"
	"alertcore/internal/grouping"
	"alertcore/internal/ingest"
	"alertcore/internal/logging"
	"alertcore/internal/metrics"
	"alertcore/internal/metricstore"
	"alertcore/internal/notify"
	"alertcore/internal/rules"
	"alertcore/internal/state"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable alerting service.
type Service struct {
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	clock       clock.Clock
	recorder    *metrics.Recorder
	points      *metricstore.Store
	engine      *rules.Engine
	notifier    *notify.Manager
	escalations *escalation.Manager
	alerts      *AlertManager
	store       state.Store
	handler     http.Handler
	httpSrv     *http.Server
	natsSub     interface{ Close() error }
	readyFlag   atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	service, err := NewServiceFromConfig(cfg, logger, clk)
	if err != nil {
		closeLog()
		return nil, err
	}
	service.closeLog = closeLog
	return service, nil
}

// NewServiceFromConfig wires pipeline components from validated config.
// Params: config snapshot, logger, and clock.
// Returns: service with HTTP handler built but no loops started.
func NewServiceFromConfig(cfg config.Config, logger *slog.Logger, clk clock.Clock) (*Service, error) {
	logger = logging.OrDiscard(logger)
	clk = clock.OrReal(clk)
	service := &Service{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		recorder: metrics.New(),
		points: metricstore.New(metricstore.Options{
			MaxPoints: cfg.Store.MaxPoints,
			MaxAge:    seconds(cfg.Store.MaxAgeSec),
			Clock:     clk,
		}),
	}

	if err := service.buildRuleEngine(); err != nil {
		return nil, err
	}
	notifier, err := notify.NewManagerFromConfig(cfg.Channel, notify.ChannelOptions{Clock: clk, Logger: logger})
	if err != nil {
		return nil, err
	}
	notifier.AddResultHook(service.recorder.NotificationResult)
	service.notifier = notifier

	store, err := state.Open(cfg.State)
	if err != nil {
		_ = notifier.Close()
		return nil, err
	}
	service.store = store

	opts := Options{
		Store:              store,
		Metrics:            service.recorder,
		ProcessingInterval: seconds(cfg.Service.ProcessingIntervalSec),
		Retention:          seconds(cfg.Service.AlertRetentionSec),
		MaxAge:             seconds(cfg.Service.AlertMaxAgeSec),
		HistoryMax:         cfg.Service.HistoryMax,
		Clock:              clk,
		Logger:             logger.With("component", "alert_manager"),
	}
	if cfg.Service.DedupEnabled() {
		opts.Dedup = dedup.New(dedup.Options{
			Strategy:   dedup.Strategy(cfg.Dedup.Strategy),
			Window:     seconds(cfg.Dedup.WindowSec),
			MaxEntries: cfg.Dedup.MaxEntries,
			Clock:      clk,
			Logger:     logger,
		})
	}
	if cfg.Service.GroupingEnabled() {
		opts.Grouper = grouping.New(grouping.Options{
			Strategy:     grouping.Strategy(cfg.Grouping.Strategy),
			Labels:       cfg.Grouping.Labels,
			Window:       seconds(cfg.Grouping.WindowSec),
			MaxGroupSize: cfg.Grouping.MaxGroupSize,
			Clock:        clk,
			Logger:       logger,
		})
	}
	if cfg.Service.EscalationEnabled() {
		escalations, err := service.buildEscalation()
		if err != nil {
			service.cleanupInitResources()
			return nil, err
		}
		opts.Escalation = escalations
	}
	service.alerts = NewAlertManager(service.engine, notifier, opts)
	service.handler = service.buildHandler()
	return service, nil
}

// buildRuleEngine registers configured rules with metric store as their data source.
func (s *Service) buildRuleEngine() error {
	s.engine = rules.NewEngine(rules.Options{
		Interval: seconds(s.cfg.Service.EvaluationIntervalSec),
		Workers:  s.cfg.Service.RuleWorkers,
		Clock:    s.clock,
		Logger:   s.logger.With("component", "rule_engine"),
		OnEval:   s.recorder.ObserveEvaluation,
	})
	for _, raw := range s.cfg.Rule {
		ruleCfg, err := rules.FromConfig(raw)
		if err != nil {
			return alerterr.Config("invalid rule", err).With("rule", raw.Name)
		}
		rule, err := rules.New(ruleCfg)
		if err != nil {
			return alerterr.Config("invalid rule", err).With("rule", raw.Name)
		}
		if err := s.engine.AddRule(rule); err != nil {
			return alerterr.Config("register rule", err).With("rule", raw.Name)
		}
		s.engine.RegisterSource(ruleCfg.Condition.MetricName, s.points.Source())
	}
	return nil
}

// buildEscalation creates escalation manager with configured policies.
func (s *Service) buildEscalation() (*escalation.Manager, error) {
	manager := escalation.NewManager(s.notifier, escalation.Options{
		Interval: seconds(s.cfg.Service.EscalationIntervalSec),
		Clock:    s.clock,
		Logger:   s.logger.With("component", "escalation"),
	})
	for _, raw := range s.cfg.Escalation {
		policy, err := escalation.PolicyFromConfig(raw)
		if err != nil {
			return nil, alerterr.Config("invalid escalation policy", err).With("policy", raw.Name)
		}
		if err := manager.AddPolicy(policy); err != nil {
			return nil, err
		}
	}
	manager.AddCallback(s.recorder.EscalationLevel)
	s.escalations = manager
	return manager, nil
}

// Handler returns HTTP surface with ingest, health, stats, metrics, and alert actions.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// AlertManager returns pipeline orchestrator.
func (s *Service) AlertManager() *AlertManager {
	return s.alerts
}

// Engine returns rule engine.
func (s *Service) Engine() *rules.Engine {
	return s.engine
}

// Start restores persisted alerts and starts background loops and NATS ingest.
// Params: root context for loops.
// Returns: first startup error.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.alerts.Restore(ctx); err != nil {
		s.logger.Warn("alert restore failed", "error", err)
	}
	if err := s.buildNATSSubscriber(); err != nil {
		return err
	}
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	if s.escalations != nil {
		if err := s.escalations.Start(ctx); err != nil {
			return err
		}
	}
	if err := s.alerts.Start(ctx); err != nil {
		return err
	}
	s.readyFlag.Store(true)
	s.logger.Info("alert pipeline started", "rules", len(s.cfg.Rule), "channels", len(s.cfg.Channel), "policies", len(s.cfg.Escalation))
	return nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown()
		return err
	}

	errChan := make(chan error, 1)
	if s.cfg.Ingest.HTTP.Enabled {
		s.httpSrv = &http.Server{
			Addr:              s.cfg.Ingest.HTTP.Listen,
			Handler:           s.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown stops loops and closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) Shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
		s.natsSub = nil
	}
	s.engine.Stop()
	if s.escalations != nil {
		s.escalations.Stop()
	}
	s.alerts.Stop()
	if err := s.notifier.Close(); err != nil {
		s.logger.Error("notification channels close failed", "error", err.Error())
		markErr(fmt.Errorf("notification channels close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("alert pipeline stopped")
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.notifier != nil {
		_ = s.notifier.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled || s.natsSub != nil {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.sink("nats"), s.logger.With("component", "nats_ingest"))
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildHandler wires router with ingest, operator, and health endpoints.
func (s *Service) buildHandler() http.Handler {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.IngestPath, ingest.NewHTTPHandler(s.sink("http"), httpCfg.MaxBodyBytes, s.logger.With("component", "http_ingest")))
	mux.Handle(httpCfg.MetricsPath, s.recorder.Handler())
	mux.HandleFunc("GET "+httpCfg.StatsPath, func(writer http.ResponseWriter, _ *http.Request) {
		writeJSON(writer, http.StatusOK, s.alerts.Stats())
	})
	mux.HandleFunc("GET /alerts", func(writer http.ResponseWriter, request *http.Request) {
		var statuses []domain.AlertStatus
		for _, raw := range request.URL.Query()["status"] {
			statuses = append(statuses, domain.AlertStatus(raw))
		}
		writeJSON(writer, http.StatusOK, s.alerts.Alerts(statuses...))
	})
	mux.HandleFunc("GET /alerts/{id}", func(writer http.ResponseWriter, request *http.Request) {
		alert, ok := s.alerts.Alert(request.PathValue("id"))
		if !ok {
			writeJSON(writer, http.StatusNotFound, map[string]string{"error": ErrAlertNotFound.Error()})
			return
		}
		writeJSON(writer, http.StatusOK, alert)
	})
	mux.HandleFunc("POST /alerts/{id}/ack", s.alertAction(s.alerts.AcknowledgeAlert))
	mux.HandleFunc("POST /alerts/{id}/resolve", s.alertAction(s.alerts.ResolveAlert))
	return mux
}

// alertAction adapts operator action to HTTP; user comes from ?user= or X-User header.
func (s *Service) alertAction(action func(ctx context.Context, alertID, user string) error) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		alertID := request.PathValue("id")
		user := request.URL.Query().Get("user")
		if user == "" {
			user = request.Header.Get("X-User")
		}
		if user == "" {
			user = "anonymous"
		}
		if err := action(request.Context(), alertID, user); err != nil {
			status := http.StatusConflict
			if errors.Is(err, ErrAlertNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(writer, status, map[string]string{"error": err.Error()})
			return
		}
		alert, _ := s.alerts.Alert(alertID)
		writeJSON(writer, http.StatusOK, alert)
	}
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
