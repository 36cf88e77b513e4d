package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"golang.org/x/exp/slog"
	"runroute.dev/route-metrics/internal/config"
	"runroute.dev/route-metrics/internal/server"
)

type CLI struct {
	config.Store `embed:""`

	Listen         string `default:":8080" env:"LISTEN_ADDR" help:"HTTP listen address for the webhook and upload endpoints" placeholder:"ADDR" group:"HTTP"`
	WebhookSecret  string `env:"WEBHOOK_SECRET" help:"Shared secret expected in the X-Webhook-Secret header" group:"HTTP"`
	MaxUploadBytes int    `default:"16777216" help:"Largest accepted GPX upload" group:"HTTP"`
	AccessLog      bool   `help:"Log every HTTP request" group:"HTTP"`

	PrometheusMetricsListen string `default:"127.0.0.1:9140" help:"HTTP listen address for Prometheus metrics endpoint" placeholder:"ADDR" group:"Metrics"`
}

func (cli *CLI) Run(ctx context.Context, logger *slog.Logger) error {
	logger = logger.With("module", "serve")

	svc, closeFn, err := cli.Service(ctx, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	sup := suture.New("main", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Error(ev.String())
		},
	})

	srv := server.New(server.Config{
		Addr:           cli.Listen,
		WebhookSecret:  cli.WebhookSecret,
		MaxUploadBytes: cli.MaxUploadBytes,
		AccessLog:      cli.AccessLog,
	}, svc, logger)
	logger.Info("Serving webhook and upload endpoints", "addr", cli.Listen, "secret", cli.WebhookSecret != "")
	sup.Add(srv)

	if cli.PrometheusMetricsListen != "" {
		url := &url.URL{Scheme: "http", Host: cli.PrometheusMetricsListen, Path: "/metrics"}
		logger.Info("Exporting metrics", "url", url.String())
		sup.Add(&prometheusListener{cli.PrometheusMetricsListen})
	}

	return sup.Serve(ctx)
}

type prometheusListener struct {
	addr string
}

func (l *prometheusListener) String() string {
	return fmt.Sprintf("prometheus-listener(%s)@%p", l.addr, l)
}

func (l *prometheusListener) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", promhttp.Handler())

	list, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		list.Close()
	}()

	return http.Serve(list, mux)
}
