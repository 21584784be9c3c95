// =============================================================================
// 文件: cmd/rudp-server/main.go
// 描述: 服务端入口 - 可靠 UDP 回显服务, 集成 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcgq/rudp/internal/config"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/metrics"
	"github.com/mrcgq/rudp/internal/rudp"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

var (
	configPath string
	listen     string
	logLevel   string
	genConfig  bool
	noEcho     bool
)

var rootCmd = &cobra.Command{
	Use:           "rudp-server",
	Short:         "可靠 UDP 回显服务端",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.Flags().StringVar(&listen, "listen", "", "监听地址 (覆盖 server.listen)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "日志级别 (覆盖 log_level)")
	rootCmd.Flags().BoolVar(&genConfig, "gen-config", false, "生成示例配置文件")
	rootCmd.Flags().BoolVar(&noEcho, "no-echo", false, "只接收不回显")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	if genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			return fmt.Errorf("生成配置失败: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "已生成示例配置文件: config.example.yaml")
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []rudp.Option{rudp.WithLogger(log)}

	// 初始化 Metrics
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(metrics.ServerOptions{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			EnablePprof: cfg.Metrics.EnablePprof,
		}, log)
		sessionMetrics := metrics.NewSessionMetrics(metricsServer.Registry(), "server")
		opts = append(opts, rudp.WithListener(sessionMetrics))
	}

	srv, err := rudp.NewServer(cfg.ServerNetConfig(), opts...)
	if err != nil {
		return err
	}

	echo := cfg.Server.Echo
	srv.AddListener(rudp.ListenerFuncs{
		Connected: func(s *rudp.Session) {
			log.Info().Str("peer", s.Addr().String()).Uint32("conn_id", s.ConnID()).Msg("客户端接入")
		},
		Disconnected: func(s *rudp.Session, reason string) {
			log.Info().Str("peer", s.Addr().String()).Str("reason", reason).Msg("客户端断开")
		},
		Message: func(s *rudp.Session, payload []byte, rel rudp.Reliability) {
			log.Debug().Str("peer", s.Addr().String()).Str("rel", rel.String()).Int("len", len(payload)).Msg("收到消息")
			if !echo {
				return
			}
			if err := srv.Send(s, rel, payload); err != nil {
				log.Warn().Err(err).Str("peer", s.Addr().String()).Msg("回显失败")
			}
		},
		Error: func(err error) {
			log.Debug().Err(err).Msg("端点错误")
		},
	})

	if err := srv.Start(ctx); err != nil {
		return err
	}

	if metricsServer != nil {
		metricsServer.Registry().MustRegister(metrics.NewEndpointCollector("server", srv))
		metricsServer.WatchEndpoint("rudp", srv, Version, startTime)
		if err := metricsServer.Start(ctx); err != nil {
			_ = srv.Stop()
			return err
		}
	}

	printBanner(cmd, cfg, srv)

	select {
	case <-ctx.Done():
		log.Info().Msg("收到退出信号")
	case <-srv.Done():
	}

	if metricsServer != nil {
		metricsServer.Drain()
		metricsServer.Stop()
	}
	_ = srv.Stop()

	st := srv.Stats()
	log.Info().
		Uint64("sessions", st.SessionsOpened).
		Uint64("retransmits", st.Retransmits).
		Uint64("packets_in", st.PacketsReceived).
		Uint64("packets_out", st.PacketsSent).
		Msg("服务已停止")
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	// 未显式指定且默认文件不存在时使用默认配置
	if _, statErr := os.Stat(configPath); statErr == nil || cmd.Flags().Changed("config") {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("配置错误: %w", err)
		}
		cfg = loaded
	}

	if listen != "" {
		cfg.Server.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noEcho {
		cfg.Server.Echo = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置错误: %w", err)
	}
	return cfg, nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config, srv *rudp.Server) {
	out := cmd.OutOrStdout()
	nc := srv.Config()

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "║              RUDP Server v%-28s║\n", Version)
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "  监听:     %s\n", srv.LocalAddr())
	fmt.Fprintf(out, "  MTU:      %d (载荷上限 %d)\n", nc.MTU, nc.MaxPayload())
	fmt.Fprintf(out, "  RTO:      %s ±20%%, 最多重传 %d 次\n", nc.RTO, nc.MaxRetries)
	fmt.Fprintf(out, "  心跳:     %s, 空闲超时 %s\n", nc.Heartbeat, nc.IdleTimeout)
	fmt.Fprintf(out, "  回显:     %v\n", cfg.Server.Echo)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Metrics:  %s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	fmt.Fprintln(out, "")
}

func printVersion(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "rudp-server %s (%s) built %s %s/%s %s\n",
		Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
