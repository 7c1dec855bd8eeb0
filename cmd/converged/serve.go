package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shinyes/converge/pkg/manager"
	"github.com/shinyes/converge/pkg/store"
	"github.com/shinyes/converge/pkg/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a converge node",
	Long: `Start a converge node with the specified configuration. Flags can also
be set via environment variables with the CONVERGE_ prefix
(e.g. CONVERGE_LISTEN=0.0.0.0:7946).`,
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initServeConfig)

	serveCmd.PersistentFlags().String("node-id", "", "Unique identifier for this node (default: hostname)")
	serveCmd.PersistentFlags().String("listen", "0.0.0.0:7946", "Address for peer sync connections")
	serveCmd.PersistentFlags().String("peers", "", "Comma-separated peer addresses to connect to (host:port,...)")
	serveCmd.PersistentFlags().String("data-dir", "data", "Directory for persistent snapshots, empty for in-memory")
	serveCmd.PersistentFlags().Duration("sync-interval", 2*time.Second, "Delta propagation period")
	serveCmd.PersistentFlags().Duration("heartbeat-interval", 5*time.Second, "Peer liveness broadcast period")
	serveCmd.PersistentFlags().String("metrics-listen", "", "Address for the Prometheus /metrics endpoint, empty to disable")
}

func initServeConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("converge")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	nodeID := viper.GetString("node-id")
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node-id not set and hostname unavailable: %w", err)
		}
		nodeID = hostname
	}

	var opts []manager.Option
	if dir := viper.GetString("data-dir"); dir != "" {
		st, err := store.NewBadgerStore(dir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		opts = append(opts, manager.WithStore(st))
	}

	mgr, err := manager.New(nodeID, opts...)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if _, err := mgr.LoadAll(); err != nil && err != manager.ErrNoStore {
		return fmt.Errorf("restore instances: %w", err)
	}

	transport := sync.NewWebsocketTransport(nodeID, viper.GetString("listen"))
	engine, err := sync.NewEngine(mgr, transport, sync.Config{
		SyncInterval:      viper.GetDuration("sync-interval"),
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	for _, addr := range splitPeers(viper.GetString("peers")) {
		if err := engine.Connect(addr); err != nil {
			log.Printf("[converged] connect %s failed, will rely on inbound connections: %v", addr, err)
		}
	}

	if metricsAddr := viper.GetString("metrics-listen"); metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	log.Printf("[converged] node %s up: sync=%s", nodeID, engine.LocalAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("[converged] shutting down")
	return nil
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})
	log.Printf("[converged] metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[converged] metrics server exited: %v", err)
	}
}
