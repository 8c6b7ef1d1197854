package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chainsync/internal/api"
	"chainsync/internal/ledger"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var apiAddr string

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Print the chain held by a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		blocks, err := api.NewClient(apiAddr).Blocks(cmd.Context())
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(blocksTable(blocks)).Render()
	},
}

var mineCmd = &cobra.Command{
	Use:   "mine <data>",
	Short: "Submit data as a new block",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := api.NewClient(apiAddr).Mine(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		pterm.Success.Printfln("block #%d added (%s)", b.Index, b.Hash)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the live peer links of a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := api.NewClient(apiAddr).Peers(cmd.Context())
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			pterm.Info.Println("no live peers")
			return nil
		}
		items := make([]pterm.BulletListItem, 0, len(peers))
		for _, p := range peers {
			items = append(items, pterm.BulletListItem{Level: 0, Text: p})
		}
		return pterm.DefaultBulletList.WithItems(items).Render()
	},
}

var addPeerCmd = &cobra.Command{
	Use:   "add-peer <host:port>",
	Short: "Ask a node to open a peer link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := api.NewClient(apiAddr).AddPeer(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("peer %s connected", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{blocksCmd, mineCmd, peersCmd, addPeerCmd} {
		c.Flags().StringVarP(&apiAddr, "api", "a", "127.0.0.1:3001", "node HTTP API address")
		rootCmd.AddCommand(c)
	}
}

func blocksTable(blocks []ledger.Block) pterm.TableData {
	data := pterm.TableData{{"Index", "Time", "Hash", "Previous", "Data"}}
	for _, b := range blocks {
		data = append(data, []string{
			strconv.FormatUint(b.Index, 10),
			time.Unix(b.Timestamp, 0).UTC().Format(time.RFC3339),
			b.ShortHash(),
			shorten(b.PreviousHash),
			fmt.Sprintf("%q", b.Data),
		})
	}
	return data
}

func shorten(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
