// Command core runs the orchestration core and talks to a running one.
//
//	core serve                 run the core (config from env / CORE_CONFIG_FILE)
//	core agents list           list registered agents
//	core plan status <id>      show one plan
//	core shutdown [--drain]    stop a running core
//	core version               print version
//
// Client commands read CORE_HTTP_ADDR (default 127.0.0.1:8080) and
// CORE_ADMIN_TOKEN for the admin bearer.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/planmesh/core/internal/api"
	"github.com/planmesh/core/internal/config"
	"github.com/planmesh/core/internal/gateway"
	"github.com/planmesh/core/internal/identity"
	"github.com/planmesh/core/internal/logging"
	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/runtime"
	"github.com/planmesh/core/internal/transport"
)

const version = "1.0.0"

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "agents":
		cmdAgents()
	case "plan":
		cmdPlan()
	case "shutdown":
		cmdShutdown()
	case "version":
		fmt.Printf("core v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println(`core v` + version + ` — multi-agent orchestration core

Usage: core <command> [flags]

Commands:
  serve      Run the core
  agents     List registered agents (agents list)
  plan       Inspect plans (plan status <id>)
  shutdown   Stop a running core (--drain flushes queues first)
  version    Print version
  help       Show this help

Environment:
  CORE_HTTP_ADDR     Admin API address (default: 127.0.0.1:8080)
  CORE_ADMIN_TOKEN   Admin bearer token
  CORE_CONFIG_FILE   YAML config overlay for serve

Examples:
  core serve
  core agents list
  core plan status 01J8ZC3YQ6TQ4P
  core shutdown --drain`)
}

// ----------------------------------------------------------------
// serve
// ----------------------------------------------------------------

func cmdServe() {
	// A .env beside the binary is a dev convenience, not a requirement.
	godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level)

	core, err := runtime.New(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	if err := core.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	gw := gateway.New(gateway.Config{Core: core, Logger: logger})

	lnCtx, lnCancel := context.WithCancel(context.Background())
	defer lnCancel()

	// Tier-2: local agents attach over the unix socket.
	unixLn, err := transport.ListenUnix(cfg.Fabric.ListenPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	go gw.ServeListener(lnCtx, unixLn, protocol.TierKernelRing)
	logger.Info("Unix listener up", "path", cfg.Fabric.ListenPath)

	// Tier-3: the TCP listener is opt-in, with SPIFFE mTLS when a
	// workload API socket is configured.
	var spiffeSource *identity.Source
	if cfg.Server.TCPAddr != "" {
		var tlsConf *tls.Config
		if cfg.Server.SPIFFESocket != "" {
			spiffeSource, err = identity.NewSource(cfg.Server.SPIFFESocket, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "spiffe: %v\n", err)
				os.Exit(1)
			}
			tlsConf = spiffeSource.ServerTLSConfig()
		}
		tcpLn, err := transport.ListenTCP(cfg.Server.TCPAddr, tlsConf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "listen tcp: %v\n", err)
			os.Exit(1)
		}
		go gw.ServeListener(lnCtx, tcpLn, protocol.TierStream)
		logger.Info("TCP listener up", "addr", cfg.Server.TCPAddr, "mtls", cfg.Server.SPIFFESocket != "")
	}

	// Admin API plus the websocket attach endpoint.
	shutdownCh := make(chan bool, 1)
	apiSrv := api.New(api.Config{
		Core:       core,
		Attach:     gw.HandleAttach,
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger,
		OnShutdown: func(drain bool) {
			select {
			case shutdownCh <- drain:
			default:
			}
		},
	})
	httpLn, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen http: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := apiSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", "error", err)
		}
	}()
	logger.Info("Admin API up", "addr", cfg.Server.HTTPAddr)

	// Block until a signal or an admin shutdown request. The first
	// signal drains; a second one forces immediate teardown.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var drain bool
	select {
	case s := <-sigCh:
		drain = true
		logger.Info("Signal received, draining", "signal", s.String())
	case drain = <-shutdownCh:
		logger.Info("Shutdown requested over the API", "drain", drain)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	go func() {
		<-sigCh
		logger.Warn("Second signal, forcing shutdown")
		cancel()
	}()

	// Order matters: stop admitting conns, then let the fabric drain to
	// the sessions that are still attached, then drop them.
	lnCancel()
	apiSrv.Shutdown(ctx)
	if err := core.Shutdown(ctx, drain); err != nil {
		logger.Warn("Core shutdown incomplete", "error", err)
	}
	gw.Close()
	if spiffeSource != nil {
		spiffeSource.Close()
	}
}

// ----------------------------------------------------------------
// agents
// ----------------------------------------------------------------

func cmdAgents() {
	if len(os.Args) < 3 || os.Args[2] != "list" {
		fmt.Fprintln(os.Stderr, "Usage: core agents list")
		os.Exit(2)
	}

	body := mustRequest("GET", "/v1/agents", nil)
	var result struct {
		Agents []struct {
			Name          string   `json:"name"`
			Role          string   `json:"role"`
			Status        string   `json:"status"`
			PreferredTier string   `json:"preferred_tier"`
			Capabilities  []string `json:"capabilities"`
			HeartbeatAgeS float64  `json:"heartbeat_age_s"`
			Inflight      int      `json:"inflight"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		fmt.Fprintf(os.Stderr, "bad response: %v\n", err)
		os.Exit(1)
	}

	if len(result.Agents) == 0 {
		fmt.Println("No agents registered.")
		return
	}

	fmt.Printf("%-18s %-10s %-10s %-8s %-10s %s\n",
		"NAME", "ROLE", "STATUS", "TIER", "HEARTBEAT", "CAPABILITIES")
	fmt.Println("------------------------------------------------------------------------")
	for _, a := range result.Agents {
		fmt.Printf("%-18s %-10s %-10s %-8s %-10s %s\n",
			a.Name, a.Role, a.Status, a.PreferredTier,
			fmt.Sprintf("%.0fs ago", a.HeartbeatAgeS),
			joinOrDash(a.Capabilities))
	}
}

// ----------------------------------------------------------------
// plan
// ----------------------------------------------------------------

func cmdPlan() {
	if len(os.Args) < 4 || os.Args[2] != "status" {
		fmt.Fprintln(os.Stderr, "Usage: core plan status <plan-id>")
		os.Exit(2)
	}
	planID := os.Args[3]

	body := mustRequest("GET", "/v1/plans/"+planID, nil)
	var st struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		State     string    `json:"state"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		Waves     int       `json:"waves"`
		Replans   int       `json:"replans"`
		Tasks     []struct {
			ID       string `json:"id"`
			State    string `json:"state"`
			Agent    string `json:"agent"`
			Attempts int    `json:"attempts"`
			Error    string `json:"error"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(os.Stderr, "bad response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Plan:     %s", st.ID)
	if st.Name != "" {
		fmt.Printf("  (%s)", st.Name)
	}
	fmt.Println()
	fmt.Printf("State:    %s\n", st.State)
	fmt.Printf("Waves:    %d", st.Waves)
	if st.Replans > 0 {
		fmt.Printf("  (replanned %dx)", st.Replans)
	}
	fmt.Println()
	fmt.Printf("Updated:  %s\n\n", st.UpdatedAt.Format(time.RFC3339))

	fmt.Printf("%-16s %-10s %-16s %-8s %s\n", "TASK", "STATE", "AGENT", "TRIES", "ERROR")
	fmt.Println("------------------------------------------------------------------")
	for _, task := range st.Tasks {
		fmt.Printf("%-16s %-10s %-16s %-8d %s\n",
			task.ID, task.State, dashIfEmpty(task.Agent), task.Attempts, task.Error)
	}
}

// ----------------------------------------------------------------
// shutdown
// ----------------------------------------------------------------

func cmdShutdown() {
	drain := false
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--drain", "-d":
			drain = true
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag: %s\nUsage: core shutdown [--drain]\n", arg)
			os.Exit(2)
		}
	}

	payload, _ := json.Marshal(map[string]bool{"drain": drain})
	body := mustRequest("POST", "/v1/shutdown", payload)

	var result struct {
		Stopping bool `json:"stopping"`
		Drain    bool `json:"drain"`
	}
	json.Unmarshal(body, &result)
	if result.Drain {
		fmt.Println("Core stopping (draining queues first).")
	} else {
		fmt.Println("Core stopping.")
	}
}

// ----------------------------------------------------------------
// HTTP plumbing
// ----------------------------------------------------------------

func baseURL() string {
	addr := os.Getenv("CORE_HTTP_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	return "http://" + addr
}

// mustRequest performs one admin API call, printing the server's error
// envelope and exiting on failure.
func mustRequest(method, path string, payload []byte) []byte {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, baseURL()+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("CORE_ADMIN_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "core unreachable at %s: %v\n", baseURL(), err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode >= 400 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", env.Error.Code, env.Error.Message)
		} else {
			fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, bytes.TrimSpace(body))
		}
		os.Exit(1)
	}
	return body
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, s := range items[1:] {
		out += "," + s
	}
	return out
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
