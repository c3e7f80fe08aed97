package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c-bata/go-prompt"

	"github.com/Matiss01G/DFS/internal/server"
)

// runShell runs the interactive terminal for node interaction.
func runShell(s *server.FileServer) {
	fmt.Println("DFS node interactive shell. Type 'help' for commands.")
	prompt.New(
		func(in string) { executor(in, s) },
		completer,
		prompt.OptionPrefix("dfs> "),
		prompt.OptionTitle("dfs node"),
	).Run()
}

func executor(in string, s *server.FileServer) {
	fields := strings.Fields(strings.TrimSpace(in))
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "store":
		if len(fields) < 2 {
			fmt.Println("Usage: store <filename>")
			return
		}
		path := fields[1]
		file, err := os.Open(path)
		if err != nil {
			fmt.Printf("Error: could not open file: %v\n", err)
			return
		}
		key := filepath.Base(path)
		if err := s.Store(key, file); err != nil {
			fmt.Printf("Error: store failed: %v\n", err)
		} else {
			fmt.Printf("Stored '%s' as key '%s'\n", path, key)
		}
		file.Close()

	case "get":
		if len(fields) < 2 {
			fmt.Println("Usage: get <key>")
			return
		}
		if err := retrieve(s, fields[1]); err != nil {
			fmt.Printf("Error: retrieval failed: %v\n", err)
		}

	case "delete":
		if len(fields) < 2 {
			fmt.Println("Usage: delete <key>")
			return
		}
		if err := s.Delete(fields[1]); err != nil {
			fmt.Printf("Error: delete failed: %v\n", err)
		} else {
			fmt.Println("Deleted local copy of", fields[1])
		}

	case "peers":
		peers := s.Peers()
		fmt.Printf("Connected peers: %d\n", len(peers))
		for _, addr := range peers {
			fmt.Printf("  - %s\n", addr)
		}

	case "id":
		fmt.Printf("Node ID : %s\n", s.ID)
		fmt.Printf("Listen  : %s\n", s.Transport.Addr())

	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  store <filename>  - Store a file in the network")
		fmt.Println("  get <key>         - Retrieve a file and save it locally")
		fmt.Println("  delete <key>      - Remove the local copy of a key")
		fmt.Println("  peers             - List all currently connected peers")
		fmt.Println("  id                - Show this node's identity and address")
		fmt.Println("  exit              - Stop the node and exit")

	case "exit", "quit":
		fmt.Println("Stopping node...")
		s.Stop()
		os.Exit(0)

	default:
		fmt.Println("Unknown command:", fields[0])
	}
}

func retrieve(s *server.FileServer, key string) error {
	r, err := s.Get(key)
	if err != nil {
		return err
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}

	destDir := "retrieved"
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	destPath := filepath.Join(destDir, key)
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("Retrieved %d bytes to %s\n", n, destPath)
	return nil
}

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "store", Description: "Store a file in the network"},
		{Text: "get", Description: "Retrieve a file by key"},
		{Text: "delete", Description: "Remove the local copy of a key"},
		{Text: "peers", Description: "List connected peers"},
		{Text: "id", Description: "Show node identity"},
		{Text: "help", Description: "Show help"},
		{Text: "exit", Description: "Stop the node and exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}
