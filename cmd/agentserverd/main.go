package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/config"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/llm"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/llm/openai"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/observability/alerting"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/relay"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/server"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage/mysql"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

// main 是任务服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("agentserverd 运行失败: %v", err)
	}
}

type flags struct {
	configPath string
	port       int
	host       string
	token      string
	debug      bool
	version    bool
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("agentserverd", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "配置文件路径 (默认 $AGENTSERVER_CONFIG 或 configs/agentserver.json)")
	fs.IntVarP(&f.port, "port", "p", 0, "监听端口")
	fs.StringVar(&f.host, "host", "", "监听地址")
	fs.StringVar(&f.token, "token", "", "访问凭证")
	fs.BoolVar(&f.debug, "debug", false, "输出调试日志")
	fs.BoolVar(&f.version, "version", false, "打印版本后退出")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

func run(ctx context.Context, args []string) error {
	f, fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	if f.version {
		fmt.Println("agentserverd", version)
		return nil
	}

	// .env 不存在时忽略。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	configPath := f.configPath
	if configPath == "" {
		configPath = os.Getenv("AGENTSERVER_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("configs", "agentserver.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, f, fs)
	cfg.Runtime.Version = version
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Debug:       cfg.Server.Debug,
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named("agentserverd")

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	repo, err := createRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := repo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	eventRelay, err := createRelay(ctx, cfg)
	if err != nil {
		return err
	}

	alerts := alerting.NewFanout(
		&alerting.LogNotifier{Logger: logger.Named("alerting")},
		&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL},
	)

	closeRelay := func() {
		if eventRelay == nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := eventRelay.Close(closeCtx); err != nil {
			l.Warn("关闭事件转发失败", slog.Any("error", err))
		}
	}

	orchestrator, err := server.Build(cfg, server.Deps{
		LLM:        llmClient,
		Repository: repo,
		Relay:      eventRelay,
		Alerts:     alerts,
	})
	if err != nil {
		closeRelay()
		return err
	}

	// Start 失败时编排器不会触碰 relay，需要在这里关闭。
	if err := orchestrator.Start(ctx); err != nil {
		closeRelay()
		return err
	}
	l.Info("agentserverd 已就绪",
		slog.String("addr", orchestrator.Addr()),
		slog.String("version", version),
		slog.Bool("tls", cfg.Server.TLS.Enabled()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("relay", cfg.Relay.Driver),
	)
	if cfg.CredentialGenerated {
		// 生成的凭证只在启动时输出一次。
		fmt.Fprintf(os.Stderr, "未配置访问凭证，已生成临时凭证: %s\n", cfg.Server.Credential)
	}

	return orchestrator.Wait(ctx)
}

// applyFlags 让命令行显式给出的参数覆盖配置文件与环境变量。
func applyFlags(cfg *config.Config, f *flags, fs *pflag.FlagSet) {
	if fs.Changed("port") {
		cfg.Server.Port = f.port
	}
	if fs.Changed("host") {
		cfg.Server.Host = f.host
	}
	if fs.Changed("token") {
		cfg.Server.Credential = f.token
		cfg.CredentialGenerated = false
	}
	if fs.Changed("debug") {
		cfg.Server.Debug = f.debug
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "static":
		return llm.NewStatic(), nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.Timeout.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewMemoryRepository(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLHistoryRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedDriver, cfg.Storage.Driver)
	}
}

func createRelay(ctx context.Context, cfg *config.Config) (*relay.Relay, error) {
	var pub relay.Publisher
	switch cfg.Relay.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		p, err := relay.NewRedisPublisher(ctx, relay.RedisConfig{
			Address:  cfg.Relay.Redis.Address,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
			Channel:  cfg.Relay.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		pub = p
	case "rabbitmq":
		p, err := relay.NewRabbitMQPublisher(relay.RabbitMQConfig{
			URL:      cfg.Relay.RabbitMQ.URL,
			Exchange: cfg.Relay.RabbitMQ.Exchange,
		})
		if err != nil {
			return nil, err
		}
		pub = p
	default:
		return nil, fmt.Errorf("未知的事件转发驱动: %s", cfg.Relay.Driver)
	}
	return relay.New(pub), nil
}
