package coremain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pmkol/tiercache/mlog"
	"github.com/pmkol/tiercache/pkg/manager"
	"github.com/pmkol/tiercache/pkg/safe_close"
	"github.com/pmkol/tiercache/pkg/server"
	"github.com/pmkol/tiercache/pkg/server/http_handler"
)

const (
	openTimeout     = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

type Tiercache struct {
	logger *zap.Logger
	cfg    *Config

	manager *manager.Manager

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
	cron       *cron.Cron

	sc *safe_close.SafeClose
}

// NewTiercache opens the backends and builds the hierarchy and its api.
// Nothing is served until Start.
func NewTiercache(ctx context.Context, cfg *Config, lg *zap.Logger) (*Tiercache, error) {
	lg = mlog.OrNop(lg)
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	m, err := openManager(ctx, cfg, lg)
	if err != nil {
		return nil, err
	}

	t := &Tiercache{
		logger:     lg,
		cfg:        cfg,
		manager:    m,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	if err := t.GetMetricsReg().Register(m.Metrics()); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to register metrics, %w", err)
	}

	allow, err := http_handler.ParseAllowList(cfg.API.Allow)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("invalid api allow list, %w", err)
	}
	h, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Cache:        m,
		SrcIPHeader:  cfg.API.SrcIPHeader,
		Allow:        allow,
		MaxValueSize: cfg.API.MaxValueSize,
		Logger:       lg.Named("api"),
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	t.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(t.metricsReg, promhttp.HandlerOpts{}))
	if cfg.API.Pprof {
		t.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
		t.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		t.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		t.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		t.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	t.httpAPIMux.Handle("/", h)

	if expr := cfg.Write.ReconcileCron; len(expr) > 0 {
		c, err := t.newReconcileCron(expr)
		if err != nil {
			m.Close()
			return nil, err
		}
		t.cron = c
	}
	return t, nil
}

// Start serves the api and runs the reconcile schedule until ctx is done or
// a service fails. It closes the hierarchy before returning.
func (t *Tiercache) Start(ctx context.Context) error {
	if httpAddr := t.cfg.API.HTTP; len(httpAddr) > 0 {
		l, err := net.Listen("tcp", httpAddr)
		if err != nil {
			t.closeManager()
			return fmt.Errorf("failed to listen on api address, %w", err)
		}
		s := server.NewServer(server.ServerOpts{
			Logger:        t.logger.Named("api"),
			HTTPHandler:   t.httpAPIMux,
			Cert:          t.cfg.API.Cert,
			Key:           t.cfg.API.Key,
			ProxyProtocol: t.cfg.API.ProxyProtocol,
			IdleTimeout:   time.Duration(t.cfg.API.IdleTimeout) * time.Second,
		})
		t.sc.Attach(func(ctx context.Context) {
			errChan := make(chan error, 1)
			go func() {
				t.logger.Info("starting api http server", zap.String("addr", l.Addr().String()))
				errChan <- s.ServeHTTP(l)
			}()
			select {
			case err := <-errChan:
				t.sc.SendCloseSignal(err)
			case <-ctx.Done():
				s.Close()
				<-errChan
			}
		})
	}

	if t.cron != nil {
		t.cron.Start()
	}

	select {
	case <-ctx.Done():
		t.logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	case <-t.sc.ReceiveCloseSignal():
	}

	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := t.sc.CloseWait(waitCtx); err != nil {
		t.logger.Warn("services did not stop in time", zap.Error(err))
	}
	t.closeManager()
	return t.sc.Err()
}

func (t *Tiercache) closeManager() {
	if err := t.manager.Close(); err != nil {
		t.logger.Error("failed to close cache", zap.Error(err))
	}
}

func (t *Tiercache) newReconcileCron(expr string) (*cron.Cron, error) {
	lg := t.logger.Named("reconcile")
	c := cron.New(cron.WithLogger(cronLogger{lg.Sugar()}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{lg.Sugar()})))
	_, err := c.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := t.manager.Reconcile(ctx)
		if err != nil {
			lg.Warn("reconcile failed", zap.Error(err))
			return
		}
		lg.Info("reconciled", zap.Int("pending", n))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile_cron %q, %w", expr, err)
	}
	return c, nil
}

func (t *Tiercache) GetManager() *manager.Manager {
	return t.manager
}

func (t *Tiercache) GetSafeClose() *safe_close.SafeClose {
	return t.sc
}

func (t *Tiercache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("tiercache_", t.metricsReg)
}

func (t *Tiercache) GetHTTPAPIMux() *http.ServeMux {
	return t.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
