package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/hycast/hycast/internal/logging"
	"github.com/hycast/hycast/internal/p2pmgr"
	"github.com/hycast/hycast/internal/proto"
)

var (
	pubAddr        string
	pubListenSize  int
	pubMaxPeers    int
	pubInteractive bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Start a publisher node",
	Run: func(cmd *cobra.Command, args []string) {
		store := newMemStore()
		info := p2pmgr.P2pInfo{SockAddr: pubAddr, ListenSize: pubListenSize, MaxPeers: pubMaxPeers}
		pub, err := p2pmgr.NewPublisher(info, store)
		if err != nil {
			logging.Sugar.Fatalf("publish: %v", err)
		}

		go func() {
			if err := pub.Run(); err != nil {
				logging.Sugar.Errorf("publish: manager stopped: %v", err)
			}
		}()

		if pubInteractive {
			fmt.Println("Hycast Publisher Interactive Shell")
			fmt.Println("Type 'help' for commands.")
			prompt.New(
				func(in string) { pubExecutor(in, pub, store) },
				pubCompleter,
				prompt.OptionPrefix("publisher> "),
				prompt.OptionTitle("Hycast Publisher"),
			).Run()
		} else {
			select {}
		}
	},
}

func pubExecutor(in string, pub *p2pmgr.Publisher, store *memStore) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping publisher...")
		pub.Halt()
		os.Exit(0)
	case "status":
		fmt.Printf("peers=%d\n", pub.Size())
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
		pub.SetTimePeriod(time.Duration(secs) * time.Second)
	case "put":
		// put <prodIndex> <name> <size>: the payload is size bytes of 0xbd
		if len(blocks) < 4 {
			fmt.Println("Usage: put <prodIndex> <name> <size>")
			return
		}
		idx, err := strconv.ParseUint(blocks[1], 10, 32)
		if err != nil {
			fmt.Printf("invalid prodIndex: %v\n", err)
			return
		}
		size, err := strconv.Atoi(blocks[3])
		if err != nil {
			fmt.Printf("invalid size: %v\n", err)
			return
		}
		data := make([]byte, size)
		for i := range data {
			data[i] = 0xbd
		}
		now := time.Now()
		store.Put(proto.ProdIndex(idx), blocks[2], data, proto.Timestamp{Sec: uint64(now.Unix()), Nsec: uint32(now.Nanosecond())})
		pub.NotifyProdIndex(proto.ProdIndex(idx))
		for offset := proto.SegOffset(0); uint32(offset) < uint32(size); offset += proto.SegOffset(proto.CanonicalSegSize) {
			pub.NotifyDataSegId(proto.DataSegId{ProdIndex: proto.ProdIndex(idx), Offset: offset})
		}
		fmt.Println("product announced.")
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status               - Show peer count")
		fmt.Println("  set-period <secs>    - Change the improver's evaluation window")
		fmt.Println("  put <idx> <name> <n> - Publish an n-byte synthetic product and notify peers")
		fmt.Println("  exit                 - Stop publisher and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func pubCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer count"},
		{Text: "set-period", Description: "Change improver evaluation window"},
		{Text: "put", Description: "Publish a synthetic product"},
		{Text: "exit", Description: "Stop publisher"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVarP(&pubAddr, "addr", "a", "127.0.0.1:38800", "Address for the publisher to listen on")
	publishCmd.Flags().IntVarP(&pubListenSize, "listen-size", "l", 64, "Accept backlog hint")
	publishCmd.Flags().IntVarP(&pubMaxPeers, "max-peers", "m", 8, "Maximum number of connected peers")
	publishCmd.Flags().BoolVarP(&pubInteractive, "interactive", "i", false, "Start in interactive mode")
}
