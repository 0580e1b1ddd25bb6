package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/engine"
	"github.com/bryan-buckman/feedsync/internal/fetch"
	"github.com/bryan-buckman/feedsync/internal/server"
)

func main() {
	v := viper.New()
	v.SetDefault("store.url", "http://127.0.0.1:5984/feedsync")
	v.SetDefault("listen.addr", "0.0.0.0:8080")
	v.SetDefault("fetch.global_limit", fetch.DefaultGlobalLimit)
	v.SetDefault("fetch.per_host_limit", fetch.DefaultPerHostLimit)
	v.SetDefault("refresh.interval", engine.DefaultInterval)

	v.SetConfigName("feedsync")
	v.AddConfigPath("/etc/feedsync")
	v.AddConfigPath(".")
	v.SetEnvPrefix("FEEDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	fetcher := fetch.NewClient(v.GetInt("fetch.global_limit"), v.GetInt("fetch.per_host_limit"))
	db := couch.NewClient(fetcher, v.GetString("store.url"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.EnsureViews(ctx, db); err != nil {
		cancel()
		log.Fatalf("Failed to install views: %v", err)
	}

	eng := engine.New(db, fetcher, engine.WithInterval(v.GetDuration("refresh.interval")))
	if err := eng.Load(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to load feeds: %v", err)
	}
	cancel()

	srv := server.New(eng)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(v.GetString("listen.addr"))
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		log.Fatalf("Server error: %v", err)
	case s := <-sig:
		log.Printf("Received %s, shutting down", s)
		srv.Stop()
	}
}
