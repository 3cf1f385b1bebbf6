package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/config"
	"chatrelay/control"
	"chatrelay/db"
	"chatrelay/server"

	"github.com/mama165/sdk-go/logs"
)

func main() {
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of a control token and exit")
	flag.Parse()

	if *hashToken != "" {
		hashed, err := control.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hashed)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	var journal server.Journal
	var history control.History
	if cfg.JournalPath != "" {
		database, err := db.New(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("journal opening failed: %w", err)
		}
		defer func() {
			log.Info("Closing journal...")
			_ = database.Close()
		}()
		journal, history = database, database
	}

	srv := server.New(&server.ServerConfig{
		Addr:         cfg.Addr(),
		LoginTimeout: cfg.LoginTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, log, journal)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ControlSocket != "" {
		socket := control.New(control.Options{
			Path:       cfg.ControlSocket,
			TokenHash:  cfg.ControlTokenHash,
			Target:     srv,
			History:    history,
			OnShutdown: stop,
			Log:        log,
		})
		if err := socket.Listen(); err != nil {
			// the relay works without its management socket
			log.Warn("Control socket unavailable", "err", err)
		} else {
			defer socket.Close()
			go socket.Serve()
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	srv.Shutdown()
	return nil
}
