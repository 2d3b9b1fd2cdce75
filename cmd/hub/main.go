// Package main starts the dev hub and handles termination.
//
// With -issue-token it prints an access token for a seeded user instead.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	hubcmd "github.com/louisbranch/switchboard/internal/cmd/hub"
	"github.com/louisbranch/switchboard/internal/platform/config"
)

func main() {
	cfg, err := hubcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[HUB] ")

	if cfg.IssueToken != "" {
		if err := hubcmd.IssueToken(cfg, os.Stdout); err != nil {
			config.Exitf("issue token: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hubcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
