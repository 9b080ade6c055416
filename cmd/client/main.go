package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/config"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/logger"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/reconcile"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/remote"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/view"
)

const Version = "0.1.0"

func main() {
	usage := `Bookmarker terminal client.

Settings are read from BOOKMARKER_* environment variables and can be
overridden with the options below.

Usage:
    client [--api_url=<api_url>] [--token=<token>] [--log_level=<level>]
    client -h | --help
    client --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>    Backend base url.
    --token=<token>        Sign in with an existing session token.
    --log_level=<level>    debug, info, warn or error.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cfg, err := config.NewClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if v, _ := opts.String("--api_url"); v != "" {
		cfg.APIURL = v
	}
	if v, _ := opts.String("--token"); v != "" {
		cfg.Token = v
	}
	if v, _ := opts.String("--log_level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	l, err := logger.NewSugared(cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorw("client failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, l *zap.SugaredLogger) error {
	client, err := remote.NewClient(cfg.APIURL, cfg.RequestTimeout)
	if err != nil {
		return err
	}
	auth := remote.NewAuth(client, l)

	store := reconcile.NewStore(remote.NewTable(client), remote.NewFeed(client, l), l, reconcile.Options{
		RefetchInterval: cfg.RefetchInterval,
		DeletePolicy:    reconcile.DeletePolicy(cfg.DeletePolicy),
	})

	storeCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan error, 1)
	go func() {
		stopped <- store.Run(storeCtx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	if cfg.Token != "" {
		if _, err := auth.UseToken(ctx, cfg.Token); err != nil {
			return errors.Wrap(err, "sign in with token")
		}
	}

	return view.NewShell(os.Stdin, os.Stdout, auth, store, l).Run(ctx)
}
