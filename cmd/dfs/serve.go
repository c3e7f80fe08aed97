package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Matiss01G/DFS/internal/config"
	"github.com/Matiss01G/DFS/internal/server"
	"github.com/Matiss01G/DFS/internal/storage"
	"github.com/Matiss01G/DFS/pkg/crypto"
	"github.com/Matiss01G/DFS/pkg/logger"
	"github.com/Matiss01G/DFS/pkg/p2p"
)

var (
	configPath  string
	listenAddr  string
	storageRoot string
	bootstrap   []string
	interactive bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a storage node",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to yaml config file")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":3000", "listen address (host:port)")
	serveCmd.Flags().StringVarP(&storageRoot, "root", "r", config.DefaultStorageRoot, "storage root directory")
	serveCmd.Flags().StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "bootstrap nodes to dial at startup")
	serveCmd.Flags().BoolVarP(&interactive, "interactive", "i", true, "run the interactive shell")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := &config.Config{
		ListenAddress:  listenAddr,
		StorageRoot:    storageRoot,
		BootstrapNodes: bootstrap,
	}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.ListenAddress == "" {
			cfg.ListenAddress = listenAddr
		}
	}
	if cfg.EncryptionKey == "" && cfg.EncryptionPassphrase == "" {
		cfg.EncryptionPassphrase = os.Getenv("DFS_PASSPHRASE")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}

	key, err := cfg.Key()
	if err != nil {
		return err
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, err = loadOrGenerateNodeID(cfg.StorageRoot)
		if err != nil {
			return err
		}
	}

	transport := p2p.NewTCPTransport(p2p.TCPTransportOptions{
		ListenAddr:    cfg.ListenAddress,
		Decoder:       p2p.BinaryDecoder{MaxPayload: uint32(cfg.MaxControlPayload)},
		Whitelist:     p2p.NewWhitelist(cfg.AllowedPeers),
		QueueCapacity: cfg.QueueCapacity,
		Logger:        log,
	})

	var transform storage.PathTransformFunc
	if cfg.PathTransform == config.TransformIdentity {
		transform = storage.DefaultPathTransform
	}

	srv, err := server.NewFileServer(server.FileServerOptions{
		ID:             nodeID,
		EncKey:         key,
		StorageRoot:    cfg.StorageRoot,
		PathTransform:  transform,
		Transport:      transport,
		BootstrapNodes: cfg.BootstrapNodes,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	if interactive {
		runShell(srv)
		return nil
	}
	select {}
}

// loadOrGenerateNodeID keeps the node identity stable across restarts by
// persisting it under the storage root.
func loadOrGenerateNodeID(dataDir string) (string, error) {
	idPath := filepath.Join(dataDir, "node.id")
	if data, err := os.ReadFile(idPath); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	id := crypto.GenerateID()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(id), 0644); err != nil {
		return "", err
	}
	return id, nil
}
