package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/config"
	"github.com/zhouzirui/z-lab/internal/logging"
	"github.com/zhouzirui/z-lab/internal/model/identity"
	"github.com/zhouzirui/z-lab/internal/service/ai"
	"github.com/zhouzirui/z-lab/internal/service/memory"
	"github.com/zhouzirui/z-lab/internal/service/session"
	"github.com/zhouzirui/z-lab/internal/store"
	"github.com/zhouzirui/z-lab/internal/tools/editor"
	"github.com/zhouzirui/z-lab/internal/tools/git"
	"github.com/zhouzirui/z-lab/internal/turnstate"
)

// app holds everything one process invocation wires together.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	profile identity.Profile
	store   *store.FileStore
	archive *store.SQLiteArchive
	log     *memory.Log

	undoStdLog func()
}

func bootstrap() (*app, error) {
	// .env 文件可选，缺失时只使用系统环境变量
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	if envErr != nil {
		logger.Debug("no .env file loaded", zap.Error(envErr))
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		profile:    identity.Seed().WithNames(cfg.Names.Operator, cfg.Names.Responder, cfg.Names.External),
		undoStdLog: zap.RedirectStdLog(logger),
	}

	a.store, err = store.Open(cfg.Home, a.profile.DocumentIdentity(), store.WithLogger(logger))
	if err != nil {
		a.shutdown()
		return nil, err
	}

	logger.Info("memory loaded", zap.String("path", a.store.Path()))

	logCfg := memory.Config{
		MaxExchanges: cfg.Memory.MaxExchanges,
		SyncWrites:   cfg.Memory.SyncWrites,
	}
	if cfg.Memory.ArchivePath != "" {
		a.archive, err = store.OpenArchive(cfg.Memory.ArchivePath)
		if err != nil {
			logger.Warn("archive unavailable, trimmed exchanges will be dropped", zap.Error(err))
		} else {
			logCfg.Archive = a.archive
			logger.Info("archive opened", zap.String("path", a.archive.Path()))
		}
	}

	a.log = memory.NewLog(a.store, a.profile, logCfg, logger)
	return a, nil
}

// newCoordinator wires the turn machine, responder and tools around the log.
func (a *app) newCoordinator(ctx context.Context) (*session.Coordinator, error) {
	deps := session.Deps{
		Machine: turnstate.New(a.log),
		Log:     a.log,
		Profile: a.profile,
		Editor:  editor.New(a.cfg.Tools.WorkDir),
		Git:     git.New(a.cfg.Tools.WorkDir),
		Logger:  a.logger,
	}

	chatModel, err := a.cfg.Responder.NewChatModel(ctx)
	switch {
	case errors.Is(err, config.ErrResponderDisabled):
		a.logger.Info("responder disabled, using local replies")
	case err != nil:
		a.logger.Warn("failed to initialize responder, using local replies", zap.Error(err))
	default:
		svc, err := ai.NewService(ctx, chatModel, a.profile, a.logger)
		if err != nil {
			a.logger.Warn("failed to build responder chain, using local replies", zap.Error(err))
		} else {
			deps.Responder = svc
			a.logger.Info("responder initialized", zap.String("backend", a.cfg.Responder.Backend))
		}
	}

	return session.New(deps, session.Config{
		ResponderTimeout: a.cfg.Responder.Timeout,
		ContextLimit:     a.cfg.Responder.ContextLimit,
	})
}

// close releases the store and archive. One-shot commands never started a
// session, so they skip the snapshot.
func (a *app) close(ctx context.Context) error {
	err := a.store.Close(ctx)
	a.shutdown()
	return err
}

func (a *app) shutdown() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("close archive", zap.Error(err))
		}
	}
	a.undoStdLog()
	_ = a.logger.Sync()
}
