// Command pageload opens a new tab in a running Chromium, navigates it to a
// URL and reports when and how the page finished loading.
//
//	pageload [-out record.json] <devtools-ws-url> <page-url>
//
// The browser's DevTools URL may also be given with PAGELOAD_DEVTOOLS_URL.
// Navigation options are read from PAGELOAD_* variables, see package env.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/grafana/xk6-pageload/cdp"
	"github.com/grafana/xk6-pageload/cdp/domains"
	"github.com/grafana/xk6-pageload/common"
	"github.com/grafana/xk6-pageload/env"
	"github.com/grafana/xk6-pageload/log"
	"github.com/grafana/xk6-pageload/metrics"
	"github.com/grafana/xk6-pageload/otel"
	"github.com/grafana/xk6-pageload/storage"
	"github.com/grafana/xk6-pageload/trace"
)

const shutdownTimeout = 5 * time.Second

var errUsage = errors.New("usage: pageload [-out file] [devtools-ws-url] <page-url>")

func main() {
	out := flag.String("out", "", "write the navigation record as JSON to `file`")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, flag.Args(), *out, env.Lookup, os.Stdout); err != nil {
		_, _ = color.New(color.FgRed).Fprintf(os.Stderr, "pageload: %v\n", err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

func run(ctx context.Context, args []string, out string, lookup env.LookupFunc, stdout io.Writer) (err error) {
	wsURL, pageURL, err := parseArgs(args, lookup)
	if err != nil {
		return err
	}
	cfg, err := env.Parse()
	if err != nil {
		return err
	}
	opts, err := cfg.NavigationOptions()
	if err != nil {
		return err
	}

	logger := log.New(logrus.New(), nil)
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := logger.SetCategoryFilter(cfg.LogCategoryFilter); err != nil {
		return err
	}

	tp, err := otel.NewTraceProvider(ctx, otel.Config{
		Exporter: cfg.TracesExporter,
		Endpoint: cfg.TracesEndpoint,
		Insecure: cfg.TracesInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			logger.Warnf("pageload", "shutting down the trace provider: %v", serr)
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.RegisterNavigationMetrics(reg)

	client := cdp.NewClient(ctx, logger)
	if err := client.Connect(wsURL); err != nil {
		return err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			logger.Debugf("pageload", "closing CDP client: %v", cerr)
		}
	}()

	if _, product, _, _, _, verr := domains.NewBrowser(client).GetVersion(ctx); verr != nil {
		logger.Warnf("pageload", "getting browser version: %v", verr)
	} else {
		logger.Infof("pageload", "connected to %s", product)
	}

	session, err := client.NewPageSession(ctx)
	if err != nil {
		return err
	}

	nav := common.NewNavigator(session,
		common.WithLogger(logger),
		common.WithTracer(trace.NewTracer(logger.Logger, tp, cfg.TracesMetadata)),
		common.WithMetrics(m),
	)
	rec, err := nav.GotoURL(ctx, pageURL, opts)
	if err != nil {
		return err
	}

	if err := report(stdout, rec); err != nil {
		return err
	}
	if out != "" {
		if err := storage.PersistJSON(ctx, &storage.LocalFilePersister{}, out, rec); err != nil {
			return fmt.Errorf("writing the navigation record: %w", err)
		}
	}
	if cfg.MetricsPushURL != "" {
		if err := push.New(cfg.MetricsPushURL, "pageload").Gatherer(reg).PushContext(ctx); err != nil {
			return fmt.Errorf("pushing metrics to %q: %w", cfg.MetricsPushURL, err)
		}
	}

	return nil
}

// parseArgs returns the DevTools URL and the page URL. The DevTools URL can
// come from the environment instead of the arguments.
func parseArgs(args []string, lookup env.LookupFunc) (wsURL, pageURL string, err error) {
	switch len(args) {
	case 2:
		return args[0], args[1], nil
	case 1:
		if u, ok := env.ParseDevToolsURL(lookup); ok {
			return u, args[0], nil
		}
	}
	return "", "", errUsage
}

// report prints the record as JSON followed by its warnings.
func report(w io.Writer, rec *common.NavigationRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding the navigation record: %w", err)
	}

	warn := color.New(color.FgYellow)
	for _, nw := range rec.Warnings {
		if _, err := warn.Fprintf(w, "warning [%s]: %s\n", nw.Kind, nw.Message); err != nil {
			return fmt.Errorf("printing warnings: %w", err)
		}
	}
	if len(rec.Warnings) == 0 {
		if _, err := color.New(color.FgGreen).Fprintf(w, "loaded %s\n", rec.FinalURL); err != nil {
			return fmt.Errorf("printing result: %w", err)
		}
	}

	return nil
}
