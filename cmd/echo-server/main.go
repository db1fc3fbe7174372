package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rexliu/xconn/pkg/config"
	"github.com/rexliu/xconn/pkg/ipc"
	"github.com/rexliu/xconn/pkg/logging"
	"github.com/rexliu/xconn/pkg/metrics"
	"github.com/rexliu/xconn/pkg/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to config.toml (optional)")
	session := flag.Bool("session", false, "Register in the session domain instead of the system domain")
	socket := flag.String("socket", "", "Listen on an explicit socket path instead of a registered name")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: echo-server [flags] <endpoint>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New("echo-server")
	cfg, base, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.Printf("load config: %v", err)
		os.Exit(1)
	}
	if err := logger.Configure(base, cfg.Logging); err != nil {
		logger.Printf("configure logging: %v", err)
		os.Exit(1)
	}
	defer logger.Close()

	endpoint := flag.Arg(0)
	if endpoint == "" {
		endpoint = cfg.Endpoints.Name
	}
	if endpoint == "" && *socket == "" {
		flag.Usage()
		os.Exit(2)
	}
	domain := ipc.DomainSystem
	if *session {
		domain = ipc.DomainSession
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &server{cfg: cfg, base: base, logger: logger}
	if err := srv.run(ctx, endpoint, *socket, domain); err != nil {
		logger.Printf("fatal error: %v", err)
		os.Exit(1)
	}
}

type server struct {
	cfg    *config.Config
	base   string
	logger *logging.Logger
}

func (s *server) run(ctx context.Context, endpoint, socket string, domain ipc.Domain) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc := newEchoService(s.logger)
	if s.cfg.Journal.DBPath != "" {
		path := config.ResolvePath(s.base, s.cfg.Journal.DBPath)
		store, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		if err := store.Init(ctx, sqlite.Options{
			JournalMode: s.cfg.Journal.JournalMode,
			Synchronous: s.cfg.Journal.Synchronous,
		}); err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		svc.journal = store
		s.logger.Printf("journaling connections to %s", path)
	}

	opts := append(s.cfg.IPCOptions(s.logger), ipc.WithDomain(domain), ipc.WithMetrics(m))
	var (
		l   *ipc.Listener
		err error
	)
	if socket != "" {
		l, err = ipc.ListenPath(socket, opts...)
	} else {
		l, err = ipc.Listen(endpoint, opts...)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer l.Close()
	s.logger.Printf("echo service ready; socket at %s", l.Path())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ipc.Serve(gctx, l, svc)
		return nil
	})
	if addr := s.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.logger.Printf("metrics at http://%s/metrics", addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	s.logger.Println("shutting down")
	return err
}
