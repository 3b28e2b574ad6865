package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/victornm/codeduel/internal/config"
	"github.com/victornm/codeduel/internal/server"
	"github.com/victornm/codeduel/migrations"
)

func main() {
	// .env is optional, the environment may be set by other means.
	_ = godotenv.Load()

	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	setupLogger(c.Log.Level)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := migrations.Up(c.PostgresURL()); err != nil {
			log.Fatalf("Migrate failed: %v", err)
		}
		slog.Info("Migrations applied")
		return
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:     lvl,
		AddSource: true,
	})))
}
