// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 指标与健康检查 HTTP 服务 (Prometheus、端点探针、可选 pprof)
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ServerOptions HTTP 服务参数
type ServerOptions struct {
	Listen      string
	MetricsPath string
	HealthPath  string
	EnablePprof bool
}

// EndpointState 健康检查关心的端点状态
type EndpointState interface {
	IsClosed() bool
	SessionCount() int
}

// HealthReport /health 的响应
type HealthReport struct {
	Status   string `json:"status"` // up / down
	Endpoint string `json:"endpoint,omitempty"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
}

type watched struct {
	name    string
	ep      EndpointState
	version string
	started time.Time
}

// MetricsServer 指标服务器, 使用独立 registry
type MetricsServer struct {
	opts     ServerOptions
	registry *prometheus.Registry
	log      zerolog.Logger

	endpoint atomic.Pointer[watched]
	draining atomic.Bool

	httpServer *http.Server
	listener   net.Listener
}

// NewMetricsServer 创建指标服务器, 预先注册 Go 运行时与进程收集器
func NewMetricsServer(opts ServerOptions, log zerolog.Logger) *MetricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &MetricsServer{
		opts:     opts,
		registry: registry,
		log:      log.With().Str("component", "metrics").Logger(),
	}
}

// Registry 指标注册表
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

// WatchEndpoint 将端点状态接入 /health 与就绪探针
func (s *MetricsServer) WatchEndpoint(name string, ep EndpointState, version string, started time.Time) {
	s.endpoint.Store(&watched{name: name, ep: ep, version: version, started: started})
}

// Drain 进入退出流程, 存活与就绪探针开始失败
func (s *MetricsServer) Drain() {
	s.draining.Store(true)
}

// Report 当前健康状态
func (s *MetricsServer) Report() HealthReport {
	w := s.endpoint.Load()
	if w == nil {
		return HealthReport{Status: "down"}
	}

	r := HealthReport{
		Status:   "up",
		Endpoint: w.name,
		Version:  w.version,
		Uptime:   time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.ep.IsClosed() || s.draining.Load() {
		r.Status = "down"
	} else {
		r.Sessions = w.ep.SessionCount()
	}
	return r
}

// Handler 构建 HTTP 路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	mux.HandleFunc(s.opts.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		report := s.Report()
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc(s.opts.HealthPath+"/live", func(w http.ResponseWriter, _ *http.Request) {
		probe(w, !s.draining.Load())
	})
	mux.HandleFunc(s.opts.HealthPath+"/ready", func(w http.ResponseWriter, _ *http.Request) {
		probe(w, s.Report().Status == "up")
	})

	if s.opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func probe(w http.ResponseWriter, ok bool) {
	if ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("UNAVAILABLE"))
}

// Start 监听并在后台服务; ctx 结束时关闭
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("metrics 监听失败: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("metrics 服务异常退出")
		}
	}()
	context.AfterFunc(ctx, s.Stop)

	s.log.Info().Str("listen", ln.Addr().String()).Str("path", s.opts.MetricsPath).Msg("metrics 服务已启动")
	return nil
}

// Addr 实际监听地址, 未启动时为 nil
func (s *MetricsServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 优雅关闭, 最多等待 5 秒
func (s *MetricsServer) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}
