package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"triage-assistant/server/internal/classifier"
	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/gateway"
	"triage-assistant/server/internal/orchestrator"
	"triage-assistant/server/internal/queue"
	"triage-assistant/server/internal/record"
	"triage-assistant/server/internal/session"
	"triage-assistant/server/internal/store"
	"triage-assistant/server/internal/timeline"
)

// app 把各组件按配置装配起来，serve 与 chat 共用。
type app struct {
	cfg        *config.Config
	catalog    *domain.Catalog
	queue      *queue.Manager
	records    record.Store
	orch       *orchestrator.Orchestrator
	dispatcher *gateway.Dispatcher
	pdf        *record.PDFRenderer
	db         *store.SQLStore
}

// loadConfig 读取配置文件；使用默认路径且文件不存在时退回默认配置。
func loadConfig(cmdChanged bool) (*config.Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) && !cmdChanged {
		log.Printf("[Config] %s not found, using defaults", configPath)
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}

func loadCatalog(cfg *config.Config) (*domain.Catalog, error) {
	if cfg.Paths.Catalog == "" {
		return domain.DefaultCatalog(), nil
	}
	if _, err := os.Stat(cfg.Paths.Catalog); errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] catalog %s not found, using built-in catalog", cfg.Paths.Catalog)
		return domain.DefaultCatalog(), nil
	}
	return domain.LoadCatalog(cfg.Paths.Catalog)
}

// openStore 打开 SQL 存储；memory 驱动返回 nil。
func openStore(cfg *config.Config) (*store.SQLStore, error) {
	if cfg.Storage.Driver == "memory" {
		return nil, nil
	}
	return store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
}

// newApp 装配组件。logger 为空时使用标准日志。
func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = log.Default()
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	cls, err := classifier.New(cfg.Classifier, catalog)
	if err != nil {
		return nil, fmt.Errorf("init classifier: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, catalog: catalog, db: db}
	deps := orchestrator.Deps{
		Sessions:   session.NewInMemoryStore(),
		Classifier: cls,
		Catalog:    catalog,
	}

	queueOpts := []queue.Option{queue.WithLogger(logger)}
	if db != nil {
		queueOpts = append(queueOpts, queue.WithLedger(db))
		deps.Archive = db
		deps.Timeline = db
		deps.Records = db
		a.records = db
	} else {
		mem := record.NewInMemoryStore()
		deps.Records = mem
		a.records = mem
		deps.Archive = session.NewInMemoryArchive()
		deps.Timeline = timeline.NewInMemoryStore()
	}

	a.queue, err = queue.NewManager(cfg.Queue, queueOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}
	deps.Queue = a.queue

	a.orch, err = orchestrator.New(cfg, deps,
		orchestrator.WithLogger(logger),
		orchestrator.OnClassifierError(func(sessionID string, err error) {
			logger.Printf("[Classifier] session %s degraded: %v", sessionID, err)
		}),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dispatcher = gateway.NewDispatcher(a.orch, 0, logger)

	gen, err := record.NewGenerator(catalog, cfg.Prediction, cfg.Record)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pdf = record.NewPDFRenderer(cfg.Record.PDFFont, gen.TreatmentKind)
	return a, nil
}

func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("[Store] close: %v", err)
		}
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
