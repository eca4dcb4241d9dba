// Package main provides the h2target CLI binary, a small HTTP/2 and
// HTTP/1.1 server to aim h2drill at.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bc-dunia/h2drill/internal/target"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	cfg := target.Config{}
	cmd := &cobra.Command{
		Use:   "h2target",
		Short: "HTTP/2 and HTTP/1.1 test target with a CRUD resource collection",
		Long: `h2target answers every path with 200, serves /status/<code> and keeps an
in-memory resource collection for CRUD runs. Without a certificate it speaks
h2c and HTTP/1.1 on the same port.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, stdout)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.Addr, "addr", ":3000", "listen address")
	fs.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file")
	fs.StringVar(&cfg.KeyFile, "key", "", "TLS key file")
	fs.StringVar(&cfg.ResourcePath, "resource-path", target.DefaultResourcePath, "path of the resource collection")
	fs.DurationVar(&cfg.Behavior.Delay, "delay", 0, "delay added to every response")
	fs.Float64Var(&cfg.Behavior.RatePerSec, "rate-limit", 0, "requests accepted per second, the excess gets 429")
	fs.IntVar(&cfg.Behavior.Burst, "burst", 1, "rate limiter burst")
	fs.IntVar(&cfg.Behavior.MaxInflight, "max-inflight", 0, "concurrent requests handled, the excess gets 503")
	fs.IntVar(&cfg.Behavior.CloseEvery, "close-every", 0, "close HTTP/1.1 connections on every n-th response")
	fs.IntVar(&cfg.Behavior.BodySize, "body-size", 0, "size of the catch-all response body")
	return cmd
}

func serve(ctx context.Context, cfg target.Config, stdout io.Writer) error {
	s := target.New(cfg)
	if err := s.Start(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "h2target listening on %s\n", s.URL())

	<-ctx.Done()
	fmt.Fprintln(stdout, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}
