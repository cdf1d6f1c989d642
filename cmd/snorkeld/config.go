package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dreamware/snorkel/internal/cluster"
)

// config holds the process's environment-derived settings. Reading it
// straight from os.Getenv — rather than a config-file library — keeps
// deployment to a handful of environment variables, with no separate
// external-collaborator surface beyond that.
type config struct {
	host           string
	port           string
	nodeID         string
	advertiseAddr  string
	peers          []cluster.Peer
	maxMemoryMB    int
}

func loadConfig() (config, error) {
	cfg := config{
		host:          getenv("SNORKEL_HOST", "0.0.0.0"),
		port:          getenv("SNORKEL_PORT", "7650"),
		nodeID:        getenv("SNORKEL_NODE_ID", "node-1"),
		advertiseAddr: os.Getenv("SNORKEL_ADVERTISE_ADDR"),
		maxMemoryMB:   512,
	}

	if v := os.Getenv("SNORKEL_MAX_MEMORY_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SNORKEL_MAX_MEMORY_MB: %w", err)
		}
		cfg.maxMemoryMB = n
	}

	if v := os.Getenv("SNORKEL_PEERS"); v != "" {
		for i, addr := range strings.Split(v, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			cfg.peers = append(cfg.peers, cluster.Peer{ID: fmt.Sprintf("peer-%d", i+1), Addr: addr})
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// logFatal is a variable rather than a direct log.Fatalf call so tests
// can intercept process termination.
var logFatal = log.Fatalf
