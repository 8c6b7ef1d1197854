package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chainsync/internal/config"
	"chainsync/internal/observer"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	watchNodes   string
	offlineAfter time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow several nodes and show whether they agree on one chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes := config.ParseCSV(watchNodes)
		if len(nodes) == 0 {
			return fmt.Errorf("--nodes is required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := observer.NewStore()
		bc := observer.NewBroadcaster()
		obs := observer.New(store, bc)
		obs.SetOfflineAfter(offlineAfter)

		snaps, cancel := bc.Subscribe(1)
		defer cancel()
		go func() { _ = obs.Run(ctx, nodes) }()

		area, err := pterm.DefaultArea.Start()
		if err != nil {
			return err
		}
		defer func() { _ = area.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-snaps:
				if !ok {
					return nil
				}
				out, err := renderSnapshot(snap)
				if err != nil {
					return err
				}
				area.Update(out)
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchNodes, "nodes", "", "comma-separated node HTTP API addresses")
	watchCmd.Flags().DurationVar(&offlineAfter, "offline-after", 30*time.Second, "mark a node offline after this long without events")
	rootCmd.AddCommand(watchCmd)
}

func renderSnapshot(s observer.Snapshot) (string, error) {
	data := pterm.TableData{{"Node", "Status", "Tip", "Hash", "Lag", "Peers"}}
	for _, n := range s.Nodes {
		data = append(data, []string{
			n.Addr,
			statusStyle(n.Status).Sprint(string(n.Status)),
			strconv.FormatUint(n.TipIndex, 10),
			shorten(n.TipHash),
			strconv.FormatUint(n.Lag, 10),
			strconv.Itoa(n.Peers),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return "", err
	}
	header := fmt.Sprintf("network tip #%d %s  online %d/%d  synced %d  syncing %d  forked %d\n\n",
		s.NetworkTip, shorten(s.NetworkHash), s.OnlineCount, s.TotalCount,
		s.SyncedCount, s.SyncingCount, s.ForkedCount)

	recent := ""
	for i, e := range s.Events {
		if i == 8 {
			break
		}
		recent += fmt.Sprintf("%s %-24s %s\n", e.At.Format("15:04:05"), e.Node, e.Message)
	}
	return header + table + "\n" + recent, nil
}

func statusStyle(s observer.Status) *pterm.Style {
	switch s {
	case observer.StatusSynced:
		return pterm.NewStyle(pterm.FgGreen)
	case observer.StatusSyncing:
		return pterm.NewStyle(pterm.FgYellow)
	case observer.StatusForked:
		return pterm.NewStyle(pterm.FgMagenta)
	default:
		return pterm.NewStyle(pterm.FgRed)
	}
}
