// Command httpconnd serves a greeting over HTTP/1.x and HTTP/2 using the
// httpconn connection core.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/newacorn/httpconn"
	"github.com/newacorn/httpconn/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/tcplisten"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file (YAML, TOML or JSON)")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration as TOML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "httpconnd: %v\n", err)
		os.Exit(1)
	}
	if *dumpConfig {
		if err = config.Dump(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "httpconnd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := cfg.Logger()
	if err = run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("server stopped gracefully")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	protocols, err := cfg.Protocols()
	if err != nil {
		return err
	}
	sc, err := cfg.ServiceContext(log)
	if err != nil {
		return err
	}
	adapters, err := config.BuildAdapters(cfg.Adapters, protocols, log)
	if err != nil {
		return err
	}

	srv := &httpconn.Server{
		Handler:     http.HandlerFunc(hello),
		Service:     sc,
		Protocols:   protocols,
		Adapters:    adapters,
		Concurrency: cfg.Server.Concurrency,
	}

	ln, err := listen(cfg.Server.Listen, cfg.Server.ReusePort)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.Server.Listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ln)
	}()
	log.Info().
		Str("listen", ln.Addr().String()).
		Stringer("protocols", protocols).
		Int("adapters", len(adapters)).
		Msg("server is running")

	select {
	case err = <-serverDone:
		return err
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutdown signal received")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return <-serverDone
}

func listen(addr string, reusePort bool) (net.Listener, error) {
	if !reusePort {
		return net.Listen("tcp", addr)
	}
	lc := tcplisten.Config{ReusePort: true, DeferAccept: true, FastOpen: true}
	return lc.NewListener("tcp4", addr)
}

func hello(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "hello from httpconnd over %s\n", r.Proto)
}
