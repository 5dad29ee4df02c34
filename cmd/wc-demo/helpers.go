package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/walletconnect/relay-core/core"
	"github.com/walletconnect/relay-core/store"
	"github.com/walletconnect/relay-core/store/memory"
	"github.com/walletconnect/relay-core/store/postgres"
)

func openCore(ctx context.Context) (*core.Core, error) {
	backend, err := openBackend(ctx)
	if err != nil {
		return nil, err
	}
	c := core.New(backend)
	if err := c.Open(ctx, relayURL); err != nil {
		return nil, fmt.Errorf("open core: %w", err)
	}
	return c, nil
}

func openBackend(ctx context.Context) (store.Backend, error) {
	if postgresDSN == "" {
		return memory.New(), nil
	}

	hostPort, db, ok := strings.Cut(postgresDSN, "/")
	if !ok {
		return nil, fmt.Errorf("--postgres must be host:port/dbname")
	}
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok {
		return nil, fmt.Errorf("--postgres must be host:port/dbname")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("--postgres port: %w", err)
	}

	return postgres.Open(ctx, &postgres.Config{
		Host:     host,
		Port:     port,
		User:     "postgres",
		Password: "",
		Database: db,
		SSLMode:  "disable",
	})
}
