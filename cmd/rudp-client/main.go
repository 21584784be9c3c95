// =============================================================================
// 文件: cmd/rudp-client/main.go
// 描述: 客户端入口 - 按行发送标准输入, 打印服务端回复
// =============================================================================
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcgq/rudp/internal/config"
	"github.com/mrcgq/rudp/internal/logging"
	"github.com/mrcgq/rudp/internal/rudp"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	serverAddr string
	logLevel   string
	fast       bool
	messages   []string
	linger     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "rudp-client",
	Short:         "可靠 UDP 客户端",
	Long:          "连接服务端后逐行发送标准输入 (或 -m 指定的消息), 并打印收到的回复。",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runClient,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rudp-client %s (%s) built %s %s/%s\n",
			Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "服务端地址 (覆盖 client.server)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "日志级别 (覆盖 log_level)")
	rootCmd.Flags().BoolVar(&fast, "fast", false, "使用不可靠发送")
	rootCmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "要发送的消息 (可重复), 未指定时读取标准输入")
	rootCmd.Flags().DurationVar(&linger, "linger", time.Second, "发送结束后等待回复的时间")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if _, statErr := os.Stat(configPath); statErr == nil || cmd.Flags().Changed("config") {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("配置错误: %w", err)
		}
		cfg = loaded
	}
	if serverAddr != "" {
		cfg.Client.Server = serverAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if fast {
		cfg.Client.Reliable = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	disconnected := make(chan string, 1)

	cli, err := rudp.NewClient(cfg.Client.Server, cfg.ClientNetConfig(),
		rudp.WithLogger(log),
		rudp.WithListener(rudp.ListenerFuncs{
			Message: func(s *rudp.Session, payload []byte, rel rudp.Reliability) {
				fmt.Fprintf(out, "< %s\n", payload)
			},
			Disconnected: func(s *rudp.Session, reason string) {
				select {
				case disconnected <- reason:
				default:
				}
			},
		}),
	)
	if err != nil {
		return err
	}
	defer cli.Stop()

	if err := cli.Start(ctx); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	err = cli.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("连接 %s 失败: %w", cfg.Client.Server, err)
	}
	log.Info().Str("server", cfg.Client.Server).Uint32("conn_id", cli.Session().ConnID()).Msg("已连接")

	rel := rudp.Fast
	if cfg.Client.Reliable {
		rel = rudp.Reliable
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		if len(messages) > 0 {
			for _, m := range messages {
				lines <- m
			}
			return
		}
		readLines(cmd.InOrStdin(), lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-disconnected:
			return fmt.Errorf("连接断开: %s", reason)
		case line, ok := <-lines:
			if !ok {
				drain(ctx, cli, linger)
				return nil
			}
			if err := cli.Send(rel, []byte(line)); err != nil {
				return fmt.Errorf("发送失败: %w", err)
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if text := scanner.Text(); text != "" {
			lines <- text
		}
	}
}

// drain 发送结束后保持连接一段时间以接收回复
func drain(ctx context.Context, cli *rudp.Client, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		sess := cli.Session()
		if sess == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}
