package server

import (
	"context"
	"errors"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/agent"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/api"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/auth"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/config"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/hub"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/llm"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/alerting"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/metrics"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/pool"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/relay"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// Deps 是根据配置组装服务时需要的外部协作者。
type Deps struct {
	LLM        llm.Client
	Repository storage.Repository
	Relay      *relay.Relay
	Alerts     alerting.Dispatcher
}

// Build 根据配置组装全部组件，所有组件共享同一个 Guard 与 Runtime。
func Build(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("配置不能为空")
	}
	if deps.LLM == nil {
		return nil, errors.New("缺少大模型客户端")
	}

	guard, err := auth.NewGuard(cfg.Server.Credential, auth.WithAuditLogger(logger.Audit()))
	if err != nil {
		return nil, err
	}

	factory := agent.NewFactory(agent.Config{
		LLM:        deps.LLM,
		Repository: deps.Repository,
		Timeout:    cfg.LLM.Timeout.Std(),
	})
	p := pool.New(factory,
		pool.WithMax(cfg.Server.PoolMax),
		pool.WithIdleTimeout(cfg.Server.IdleTimeout.Std()),
		pool.WithSweepInterval(cfg.Server.SweepInterval.Std()),
		pool.WithMetrics(metrics.Pool()),
	)

	rt := agent.NewRuntime(deps.Repository, agent.WithVersion(cfg.Runtime.Version))

	manager := hub.New(guard,
		hub.WithHandler(rt),
		hub.WithMetrics(metrics.Hub()),
		hub.WithSendBuffer(cfg.Server.SendBuffer),
		hub.WithHeartbeatInterval(cfg.Server.HeartbeatInterval.Std()),
	)

	httpServer, err := api.NewServer(api.Config{
		Address:      cfg.Server.Address(),
		TLS:          cfg.Server.TLS,
		Domain:       cfg.Server.Domain,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit:    cfg.RateLimit,
	}, api.Dependencies{
		Pool:    p,
		Runtime: rt,
		Guard:   guard,
		Alerts:  deps.Alerts,
		Metrics: metrics.Handler(),
	})
	if err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}

	return New(Components{
		HTTP:    httpServer,
		Hub:     manager,
		Pool:    p,
		Runtime: rt,
		Relay:   deps.Relay,
	}, WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()))
}
