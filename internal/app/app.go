package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"locates-desk/internal/clock"
	"locates-desk/internal/config"
	"locates-desk/internal/monitor"
	"locates-desk/internal/pipeline"
	"locates-desk/internal/queue"
	"locates-desk/internal/register"
	"locates-desk/internal/session"
	"locates-desk/internal/store"
	"locates-desk/internal/txstore"
	"locates-desk/internal/venue"
)

const shutdownTimeout = 10 * time.Second

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	desk    *Desk
	monitor *monitor.Service
	server  *http.Server
}

// New 组装站点客户端、会话、下单流程、队列与 HTTP 服务。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if st == nil {
		return nil, errors.New("app: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := venue.NewClient(cfg.Venue, logger.Named("venue"))
	if err != nil {
		return nil, err
	}
	extractor := venue.NewExtractor(cfg.Venue.Markers)

	mon, err := monitor.NewService(st, logger.Named("monitor"))
	if err != nil {
		return nil, err
	}

	auth := session.NewAuthenticator(
		cfg.Venue,
		cfg.Session,
		client,
		extractor,
		session.NewFileStore(cfg.Session.CookieFile),
		logger.Named("session"),
	)
	auth.OnTransition(func(from, to session.State) {
		mon.RecordAuth(context.Background(), string(from), string(to))
	})

	clk := clock.Real{}
	purchases, err := register.New(st.DB(), cfg.Register, clk, logger.Named("register"))
	if err != nil {
		return nil, err
	}

	contexts := txstore.New[pipeline.Pending](cfg.Desk.ContextTTL, clk)
	pipe := pipeline.New(cfg.Venue, auth, extractor, contexts, purchases, logger.Named("pipeline"))

	q := queue.New(cfg.Desk.EvictionTimeout, logger.Named("queue"))
	desk := NewDesk(cfg.Desk, auth, pipe, q, purchases, mon, logger.Named("desk"))

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		desk:    desk,
		monitor: mon,
		server:  newHTTPServer(cfg.Server, desk, mon, logger.Named("http")),
	}, nil
}

// Run 启动 HTTP 服务，直到 ctx 结束后优雅退出。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("借券服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.Venue.BaseURL),
		zap.Int("port", a.cfg.Server.Port),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.logger.Info("HTTP 服务启动", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: HTTP 服务异常: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		a.logger.Info("系统收到退出信号，正在停止")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: 关闭 HTTP 服务失败: %w", err)
		}
		return nil
	})

	if a.cfg.Desk.LoginOnStart {
		group.Go(func() error {
			// 启动登录失败不影响服务，可通过 /session/restart 重试
			if err := a.desk.StartupLogin(groupCtx); err != nil {
				a.logger.Warn("启动登录失败", zap.Error(err))
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}
