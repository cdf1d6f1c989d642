// Package main implements snorkeld, the Snorkel analytics engine's
// single-binary server and CLI client.
//
// Subcommands:
//
//	snorkeld serve    - run the HTTP server (ingest/query/admin)
//	snorkeld query    - interactive REPL against a running server
//	snorkeld version  - print the build version
//
// Configuration is read directly from the environment (SNORKEL_HOST,
// SNORKEL_PORT, SNORKEL_NODE_ID, SNORKEL_ADVERTISE_ADDR,
// SNORKEL_MAX_MEMORY_MB, SNORKEL_PEERS) — no config-file library.
//
// Exit codes: 0 normal shutdown, 1 configuration error, 2 bind failure.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "snorkeld",
		Short: "Snorkel analytics engine server and client",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Snorkel HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		logFatal("config: %v", err)
		return err
	}

	srv := newServer(cfg.nodeID, cfg.peers)

	httpSrv := &http.Server{
		Addr:              cfg.host + ":" + cfg.port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("snorkeld[%s] listening on %s", cfg.nodeID, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("bind failed: %v", err)
		os.Exit(2)
	case <-stop:
	}

	for _, t := range srv.registry.List() {
		t.StopReaper()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("snorkeld stopped")
	return nil
}

func queryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Interactive SQL REPL against a running snorkeld",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueryREPL(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:7650", "snorkeld base address")
	return cmd
}

func runQueryREPL(cmd *cobra.Command, addr string) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprintf(out, "connected to %s, Ctrl-D to exit\n", addr)
	for {
		fmt.Fprint(out, "snorkel> ")
		if !scanner.Scan() {
			return nil
		}
		sql := scanner.Text()
		if sql == "" {
			continue
		}
		if err := runOneQuery(addr, sql, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func runOneQuery(addr, sql string, out io.Writer) error {
	body, err := json.Marshal(map[string]string{"sql": sql})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/query", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}
