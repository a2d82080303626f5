package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/speechcoach/speechcoach/internal/cli"
	"github.com/speechcoach/speechcoach/internal/server"
	"github.com/speechcoach/speechcoach/internal/tlsutils"
	"github.com/speechcoach/speechcoach/pkg/config"
)

func main() {
	configFile := "/etc/speechcoach/config.yaml"
	cfg, err := config.FromFile(configFile)
	configFlag := &config.Flag{File: configFile, Config: &cfg}

	listenAddr := ":5001"
	webDir := "/var/lib/speechcoach/ui"
	tlsEnabled := false
	tlsCert := ""
	tlsKey := ""

	flag.Var(configFlag, "config", "Path to the configuration file")
	flag.StringVar(&cfg.APIServerURL, "api-server-url", cfg.APIServerURL, "URL pointing to the OpenAI-compatible API server used for transcription and feedback")
	flag.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key for the OpenAI-compatible API server")
	flag.StringVar(&cfg.STTModel, "stt-model", cfg.STTModel, "Name of the speech-to-text model")
	flag.StringVar(&cfg.ChatModel, "chat-model", cfg.ChatModel, "Name of the chat model that generates the coaching feedback")
	flag.StringVar(&listenAddr, "listen", listenAddr, "Address the server should listen on")
	flag.StringVar(&webDir, "web-dir", webDir, "Path to the web UI directory")
	flag.BoolVar(&tlsEnabled, "tls", tlsEnabled, "Serve securely via HTTPS/TLS")
	flag.StringVar(&tlsKey, "tls-key", tlsKey, "Path to the TLS key file")
	flag.StringVar(&tlsCert, "tls-cert", tlsCert, "Path to the TLS certificate file")
	cli.ParseFlagsWithEnvVars(flag.CommandLine, "SPEECHCOACH_")

	if !configFlag.IsSet && err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runServer(ctx, cfg, listenAddr, webDir, tlsEnabled, tlsCert, tlsKey)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg config.Configuration, listenAddr, webDir string, tlsEnabled bool, tlsCert, tlsKey string) error {
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:        listenAddr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}

	server.AddRoutes(ctx, cfg, webDir, mux)

	go func() {
		<-ctx.Done()
		slog.Info("terminating")
		srv.Shutdown(ctx)
	}()

	var err error

	if tlsEnabled {
		if tlsCert == "" && tlsKey == "" {
			slog.Info("generating self-signed TLS certificate")

			var cleanup func()

			tlsCert, tlsKey, cleanup, err = tlsutils.GenerateSelfSignedTLSCertificate()
			if err != nil {
				return fmt.Errorf("generating tls certificate: %w", err)
			}

			defer cleanup()
		}

		slog.Info(fmt.Sprintf("listening on %s", srv.Addr))

		err = srv.ListenAndServeTLS(tlsCert, tlsKey)
	} else {
		slog.Info(fmt.Sprintf("listening on %s", srv.Addr))

		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}
