package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("starting relaychat",
		slog.String("tcp_addr", cfg.TCPAddr),
		slog.String("http_addr", cfg.HTTPAddr),
		logger.Count("max_clients", cfg.MaxClients),
		logger.Count("history_size", cfg.HistorySize),
	)

	var (
		tcp    *server.TCPServer
		httpLn net.Listener
	)
	opts := []chat.Option{
		chat.WithCapacity(cfg.MaxClients),
		chat.WithHistorySize(cfg.HistorySize),
		chat.WithEventSink(chat.NewLogSink(log)),
		chat.WithHook(chat.StartHook{
			Name: "tcp listener",
			Fn:   func() error { return tcp.Listen() },
			Stop: func() { _ = tcp.Close() },
		}),
	}
	if cfg.HTTPAddr != "" {
		opts = append(opts, chat.WithHook(chat.StartHook{
			Name: "http listener",
			Fn: func() error {
				ln, err := net.Listen("tcp", cfg.HTTPAddr)
				if err != nil {
					return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
				}
				httpLn = ln
				return nil
			},
			Stop: func() { _ = httpLn.Close() },
		}))
	}
	chatServer := chat.New(opts...)
	tcp = server.NewTCPServer(cfg, chatServer, log)

	if err := chatServer.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcp.Serve(gctx) })
	if httpLn != nil {
		handlers := server.NewHandlers(cfg, chatServer, log)
		httpServer := server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(handlers))
		g.Go(func() error {
			return server.StartServer(gctx, httpServer, httpLn, cfg.ShutdownTimeout, log)
		})
	}

	<-gctx.Done()
	log.Info("shutting down")

	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("chat shutdown: %w", err))
	}
	if err := tcp.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tcp close: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		log.Error("shutdown incomplete", logger.Error(err))
		return err
	}
	log.Info("relaychat stopped")
	return nil
}
