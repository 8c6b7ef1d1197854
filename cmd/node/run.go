package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainsync/internal/api"
	"chainsync/internal/config"
	"chainsync/internal/ledger"
	"chainsync/internal/logx"
	"chainsync/internal/node"

	"github.com/spf13/cobra"
)

var (
	configPath string
	nodeID     string
	p2pAddr    string
	httpAddr   string
	peersCSV   string
	initBlocks int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration(cmd)
		if err != nil {
			return err
		}
		return runNode(cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	runCmd.Flags().StringVar(&nodeID, "id", "", "node id")
	runCmd.Flags().StringVar(&p2pAddr, "p2p", "", "peer link listen address host:port")
	runCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API listen address host:port")
	runCmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated peer addresses host:port")
	runCmd.Flags().IntVar(&initBlocks, "init-blocks", 0, "create N deterministic blocks at startup (for demo)")
}

// loadConfiguration layers defaults, the config file, environment and flags.
func loadConfiguration(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.Node.ID = nodeID
	}
	if flags.Changed("p2p") {
		cfg.P2P.ListenAddr = p2pAddr
	}
	if flags.Changed("http") {
		cfg.HTTP.ListenAddr = httpAddr
	}
	if flags.Changed("peers") {
		cfg.P2P.Peers = config.ParseCSV(peersCSV)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runNode(cfg config.Config) error {
	logx.Setup(logx.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stdout:     cfg.Log.Stdout,
		Debug:      cfg.Log.Debug,
	})
	defer logx.Close()

	store := ledger.NewMemStore()
	if initBlocks > 0 {
		if err := seedBlocks(store, initBlocks); err != nil {
			return fmt.Errorf("seed blocks: %w", err)
		}
	}

	n := node.New(cfg.Node.ID, cfg.P2P.ListenAddr, store,
		node.WithDialTimeout(cfg.P2P.DialTimeout),
		node.WithSendBuffer(cfg.P2P.SendBuffer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.P2P.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen p2p: %w", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = n.Run(ctx)
	}()
	go func() {
		if err := n.Serve(ctx, lis); err != nil {
			logx.Error("P2P", "peer listener failed: ", err)
			stop()
		}
	}()

	if len(cfg.P2P.Peers) > 0 {
		n.Logf("initial peers: %v", cfg.P2P.Peers)
		n.PeerManager().ConnectAll(ctx, cfg.P2P.Peers)
	}

	var httpSrv *http.Server
	if cfg.HTTP.ListenAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           api.NewServer(n).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			n.Logf("http api on %s", cfg.HTTP.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Error("API", "http server failed: ", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	n.Logf("shutting down")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			_ = httpSrv.Close()
		}
		cancel()
	}
	<-loopDone
	return nil
}

// seedBlocks appends n blocks with timestamps and data derived from the
// index only, so nodes seeded with the same n hold identical chains.
func seedBlocks(store ledger.Store, n int) error {
	base := time.Unix(ledger.GenesisBlock().Timestamp, 0)
	for i := 1; i <= n; i++ {
		b := ledger.NewNextBlock(store.Tail(), base.Add(time.Duration(i)*time.Second), fmt.Sprintf("block-%d", i))
		if err := store.Append(b); err != nil {
			return err
		}
	}
	return nil
}
