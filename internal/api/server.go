package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/auction/task"
	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/keeper"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/web3"
	"AgentMarket-Chain/pkg/logger"
)

// Metrics 是 API 需要的指标能力。
type Metrics interface {
	Handler() http.Handler
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// KeeperStats 提供 keeper 运行统计。
type KeeperStats interface {
	Stats() keeper.Stats
}

// ChainStatus 提供各条链的头部信息。
type ChainStatus interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Deps 汇总 API 依赖的组件。Engine、Ledger、Tasks、Intents 必填，其余可选。
type Deps struct {
	Engine  *chain.Engine
	Ledger  *ledger.Ledger
	Tasks   *task.Auction
	Intents *intent.Auction
	Auth    *auth.Service
	Events  events.Querier
	Metrics Metrics
	Keeper  KeeperStats
	Chains  ChainStatus
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	deps            Deps
	handler         http.Handler
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// NewServer 构造 API 服务实例并注册全部路由。
func NewServer(addr string, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Ledger == nil || deps.Tasks == nil || deps.Intents == nil {
		return nil, errors.New("API 依赖的引擎组件未初始化")
	}
	if deps.Auth == nil {
		svc, err := auth.NewService(auth.Config{})
		if err != nil {
			return nil, err
		}
		deps.Auth = svc
	}
	s := &Server{addr: addr, deps: deps, shutdownTimeout: 5 * time.Second, log: logger.Named("api")}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = deps.Auth.Middleware()(mux)
	return s, nil
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	if d > 0 {
		s.shutdownTimeout = d
	}
	return s
}

// Handler 返回完整的 HTTP 处理器，便于测试直接驱动。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	s.handle(mux, "GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	s.handle(mux, "GET /api/v1/treasury", s.handleTreasurySummary)
	s.handle(mux, "POST /api/v1/treasury/deposit", s.handleTreasuryDeposit)
	s.handle(mux, "POST /api/v1/treasury/pay", s.handleTreasuryPay)
	s.handle(mux, "POST /api/v1/treasury/roles", s.handleTreasuryRoles)
	s.handle(mux, "POST /api/v1/treasury/pause", s.handleTreasuryPause)

	s.handle(mux, "GET /api/v1/tasks", s.handleListTasks)
	s.handle(mux, "POST /api/v1/tasks", s.handleCreateTask)
	s.handle(mux, "GET /api/v1/tasks/stats", s.handleTaskStats)
	s.handle(mux, "POST /api/v1/tasks/config", s.handleTaskConfig)
	s.handle(mux, "POST /api/v1/tasks/roles", s.handleTaskRoles)
	s.handle(mux, "POST /api/v1/tasks/pause", s.handleTaskPause)
	s.handle(mux, "GET /api/v1/tasks/{id}", s.handleGetTask)
	s.handle(mux, "GET /api/v1/tasks/{id}/bids", s.handleTaskBids)
	s.handle(mux, "POST /api/v1/tasks/{id}/bids", s.handleSubmitBid)
	s.handle(mux, "POST /api/v1/tasks/{id}/select", s.handleSelectWinner)
	s.handle(mux, "POST /api/v1/tasks/{id}/complete", s.handleCompleteTask)
	s.handle(mux, "POST /api/v1/tasks/{id}/validate", s.handleValidateTask)
	s.handle(mux, "POST /api/v1/tasks/{id}/fail", s.handleFailExpired)
	s.handle(mux, "POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)
	s.handle(mux, "GET /api/v1/bids/{id}", s.handleGetBid)
	s.handle(mux, "POST /api/v1/bids/{id}/withdraw", s.handleWithdrawBid)

	s.handle(mux, "GET /api/v1/intents", s.handleListIntents)
	s.handle(mux, "POST /api/v1/intents", s.handleCreateIntent)
	s.handle(mux, "GET /api/v1/intents/stats", s.handleIntentStats)
	s.handle(mux, "POST /api/v1/intents/config", s.handleIntentConfig)
	s.handle(mux, "POST /api/v1/intents/roles", s.handleIntentRoles)
	s.handle(mux, "POST /api/v1/intents/pause", s.handleIntentPause)
	s.handle(mux, "POST /api/v1/intents/flush", s.handleFlushFees)
	s.handle(mux, "GET /api/v1/intents/{id}", s.handleGetIntent)
	s.handle(mux, "GET /api/v1/intents/{id}/offers", s.handleIntentOffers)
	s.handle(mux, "POST /api/v1/intents/{id}/offers", s.handleSubmitOffer)
	s.handle(mux, "POST /api/v1/intents/{id}/close", s.handleCloseAuction)
	s.handle(mux, "POST /api/v1/intents/{id}/cancel", s.handleCancelIntent)
	s.handle(mux, "POST /api/v1/intents/{id}/fulfill", s.handleMarkFulfilled)
	s.handle(mux, "POST /api/v1/intents/{id}/confirm", s.handleConfirmFulfillment)
	s.handle(mux, "POST /api/v1/intents/{id}/dispute", s.handleRaiseDispute)
	s.handle(mux, "GET /api/v1/offers/{id}", s.handleGetOffer)
	s.handle(mux, "POST /api/v1/offers/{id}/withdraw", s.handleWithdrawOffer)

	s.handle(mux, "GET /api/v1/accounts/{address}", s.handleAccount)
	s.handle(mux, "GET /api/v1/events", s.handleEvents)
	s.handle(mux, "GET /api/v1/keeper", s.handleKeeper)
	s.handle(mux, "GET /api/v1/chains", s.handleChains)
}

// handle 注册路由并在配置了指标时记录请求耗时与状态码。
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	if s.deps.Metrics == nil {
		mux.HandleFunc(pattern, fn)
		return
	}
	metrics := s.deps.Metrics
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
