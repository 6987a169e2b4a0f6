package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dentra-dispatch/common/database"
	"dentra-dispatch/common/logger"
	"dentra-dispatch/internal/config"
	"dentra-dispatch/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	// .env 不存在时直接使用进程环境变量
	_ = godotenv.Load()

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCommand(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	var (
		capabilitiesFile string
		migrate          bool
	)

	cmd := &cobra.Command{
		Use:           "dentra-worker",
		Short:         "Run the clinic event dispatch worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if capabilitiesFile != "" {
				caps, err := config.LoadCapabilities(capabilitiesFile)
				if err != nil {
					return err
				}
				cfg.Capabilities = caps
			}
			return run(cmd.Context(), cfg, migrate)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Worker.ID, "worker-id", cfg.Worker.ID, "lease owner identity")
	f.DurationVar(&cfg.Worker.PollInterval, "poll-interval", cfg.Worker.PollInterval, "idle poll interval")
	f.DurationVar(&cfg.Worker.Lease, "lease", cfg.Worker.Lease, "event lease duration")
	f.DurationVar(&cfg.Worker.RetryDelay, "retry-delay", cfg.Worker.RetryDelay, "delay before a failed event is retried")
	f.DurationVar(&cfg.Worker.HeartbeatInterval, "heartbeat-interval", cfg.Worker.HeartbeatInterval, "heartbeat interval")
	f.DurationVar(&cfg.Ticks.Inventory, "inventory-interval", cfg.Ticks.Inventory, "inventory monitor tick interval (0 disables)")
	f.DurationVar(&cfg.Ticks.Revenue, "revenue-interval", cfg.Ticks.Revenue, "revenue monitor tick interval (0 disables)")
	f.DurationVar(&cfg.Ticks.Case, "case-interval", cfg.Ticks.Case, "case monitor tick interval (0 disables)")
	f.DurationVar(&cfg.Ticks.AppointmentMonitor, "appointment-monitor-interval", cfg.Ticks.AppointmentMonitor, "appointment monitor tick interval (0 disables)")
	f.StringVar(&capabilitiesFile, "capabilities", "", "capability descriptor YAML (overrides CAPABILITIES_FILE)")
	f.BoolVar(&migrate, "migrate", false, "apply the bundled schema before starting")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, migrate bool) error {
	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "dentra-worker")
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	// 3. 创建服务
	dispatchService, err := service.NewDispatchService(cfg, log)
	if err != nil {
		log.Error("Failed to create dispatch service", zap.Error(err))
		return err
	}
	defer dispatchService.Stop()

	if migrate {
		if err := database.Migrate(ctx, dispatchService.DB()); err != nil {
			return err
		}
		log.Info("Schema applied")
	}

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- dispatchService.Start(ctx)
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		// 等待当前事件处理完成
		<-serviceErrChan
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
			return err
		}
	}

	log.Info("Dispatch worker stopped")
	return nil
}
