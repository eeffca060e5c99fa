package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/p2pmgr"
)

var (
	subAddr        string
	subListenSize  int
	subMaxPeers    int
	subBootstrap   string
	subInteractive bool
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Start a subscriber node",
	Run: func(cmd *cobra.Command, args []string) {
		bootstrap, err := readBootstrapFile(subBootstrap)
		if err != nil {
			logging.Sugar.Fatalf("subscribe: %v", err)
		}

		store := newMemStore()
		pool := p2pmgr.NewStaticPool(bootstrap)
		info := p2pmgr.P2pInfo{SockAddr: subAddr, ListenSize: subListenSize, MaxPeers: subMaxPeers}
		sub, err := p2pmgr.NewSubscriber(info, store, pool)
		if err != nil {
			logging.Sugar.Fatalf("subscribe: %v", err)
		}

		go func() {
			if err := sub.Run(); err != nil {
				logging.Sugar.Errorf("subscribe: manager stopped: %v", err)
			}
		}()

		if subInteractive {
			fmt.Println("Hycast Subscriber Interactive Shell")
			fmt.Println("Type 'help' for commands.")
			prompt.New(
				func(in string) { subExecutor(in, sub) },
				subCompleter,
				prompt.OptionPrefix("subscriber> "),
				prompt.OptionTitle("Hycast Subscriber"),
			).Run()
		} else {
			select {}
		}
	},
}

// readBootstrapFile reads one "host:port" server address per line, skipping
// blank lines. The bootstrap list is the only peer-discovery mechanism the
// core supports (spec's Non-goals exclude discovery itself).
func readBootstrapFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file %s: %w", path, err)
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading bootstrap file %s: %w", path, err)
	}
	return addrs, nil
}

func subExecutor(in string, sub *p2pmgr.Subscriber) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping subscriber...")
		sub.Halt()
		os.Exit(0)
	case "status":
		fmt.Printf("peers=%d\n", sub.Size())
	case "set-period":
		if len(blocks) < 2 {
			fmt.Println("Usage: set-period <seconds>")
			return
		}
		secs, err := strconv.Atoi(blocks[1])
		if err != nil {
			fmt.Printf("invalid seconds: %v\n", err)
			return
		}
		sub.SetTimePeriod(time.Duration(secs) * time.Second)
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status            - Show peer count")
		fmt.Println("  set-period <secs> - Change the improver's evaluation window")
		fmt.Println("  exit              - Stop subscriber and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func subCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer count"},
		{Text: "set-period", Description: "Change improver evaluation window"},
		{Text: "exit", Description: "Stop subscriber"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
	subscribeCmd.Flags().StringVarP(&subAddr, "addr", "a", "127.0.0.1:0", "Address for this subscriber's peer server to listen on")
	subscribeCmd.Flags().IntVarP(&subListenSize, "listen-size", "l", 64, "Accept backlog hint")
	subscribeCmd.Flags().IntVarP(&subMaxPeers, "max-peers", "m", 8, "Maximum number of connected peers")
	subscribeCmd.Flags().StringVarP(&subBootstrap, "bootstrap", "b", "", "Path to a file of bootstrap peer-server addresses, one per line")
	subscribeCmd.Flags().BoolVarP(&subInteractive, "interactive", "i", false, "Start in interactive mode")
}
