package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/sortline/internal/config"
	"github.com/ChuLiYu/sortline/internal/plc"
	"github.com/ChuLiYu/sortline/internal/resolver"
	"github.com/ChuLiYu/sortline/internal/server"
	"github.com/ChuLiYu/sortline/internal/storage/journal"
	"github.com/ChuLiYu/sortline/pkg/types"
)

const rpcTimeout = 10 * time.Second

// ============================================================================
// status / items / forget / watch
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sorter status",
		Long:  "Display the configuration summary, pusher stations and the live status of a running sorter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pushers, err := loadSettings(configFile)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg, pushers, httpAddr)
		},
	}
}

func showStatus(out io.Writer, cfg *config.Config, pushers types.PusherTable, base string) error {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Sortline Status                                 ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Belt Speed:      %.1f units/s\n", cfg.Conveyor.BeltSpeed)
	fmt.Fprintf(out, "  ├─ Tick Interval:   %s\n", cfg.Conveyor.TickInterval)
	fmt.Fprintf(out, "  ├─ Lookup Workers:  %d (cache ttl %s)\n", cfg.Lookup.Workers, cfg.Lookup.CacheTTL)
	plcAddr := cfg.PLC.Address
	if plcAddr == "" {
		plcAddr = "dry-run"
	}
	fmt.Fprintf(out, "  ├─ PLC:             %s\n", plcAddr)
	fmt.Fprintf(out, "  └─ Scanner:         %s\n", cfg.Scanner.Mode)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🚦 Pushers:")
	sorted := append(types.PusherTable(nil), pushers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i, p := range sorted {
		branch := "├─"
		if i == len(sorted)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s #%d %-20s %.1f\n", branch, p.ID, p.Label, p.Distance)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Live:")
	var status map[string]interface{}
	if err := getJSON(base+"/api/status", &status); err != nil {
		fmt.Fprintf(out, "  └─ not reachable at %s (run 'sortline run' to start)\n", base)
		return nil
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		branch := "├─"
		if i == len(keys)-1 {
			branch = "└─"
		}
		fmt.Fprintf(out, "  %s %-16s %v\n", branch, k+":", status[k])
	}
	return nil
}

func getJSON(url string, out interface{}) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return eris.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return eris.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func buildItemsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List live items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				items, err := c.ListItems(ctx)
				if err != nil {
					return eris.Wrap(err, "list items")
				}
				printItems(cmd.OutOrStdout(), items)
				return nil
			})
		},
	}
}

func printItems(out io.Writer, items []types.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ScanTime.Before(items[j].ScanTime) })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BARCODE\tSTATUS\tPOSITION\tPUSHER\tLABEL\tDISTANCE")
	for _, item := range items {
		pusher, label, trigger := "-", "-", "-"
		if item.Routing != nil {
			pusher = strconv.Itoa(item.Routing.PusherID)
			label = item.Routing.Label
			trigger = fmt.Sprintf("%.1f/%.1f", item.EstimatedPosition, item.Routing.TriggerDistance)
		} else if item.IsMatched() {
			trigger = fmt.Sprintf("%.1f", item.EstimatedPosition)
		}
		position := "-"
		if item.IsMatched() {
			position = strconv.Itoa(item.PositionID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", item.ID, item.Status, position, pusher, label, trigger)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "%d item(s)\n", len(items))
}

func buildForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <barcode>",
		Short: "Remove a live item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				item, err := c.Forget(ctx, args[0])
				if err != nil {
					return eris.Wrapf(err, "forget %s", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s (status %s)\n", item.ID, item.Status)
				return nil
			})
		},
	}
}

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream item lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(grpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return client.Watch(ctx, func(ev types.Event) {
				fmt.Fprintln(out, formatEvent(ev))
			})
		},
	}
}

// formatEvent 單行事件格式（watch 與 history 共用）
func formatEvent(ev types.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-17s", ev.Time.Format("15:04:05.000"), ev.Type)
	if ev.Barcode != "" {
		fmt.Fprintf(&b, " barcode=%s", ev.Barcode)
	}
	if ev.PositionID != 0 {
		fmt.Fprintf(&b, " position=%d", ev.PositionID)
	}
	if ev.PusherID != 0 {
		fmt.Fprintf(&b, " pusher=%d", ev.PusherID)
	}
	if ev.Label != "" {
		fmt.Fprintf(&b, " label=%q", ev.Label)
	}
	if ev.Kind != "" {
		fmt.Fprintf(&b, " kind=%s", ev.Kind)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", ev.Reason)
	}
	return b.String()
}

// ============================================================================
// simulate
// ============================================================================

func buildSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send virtual scanner and photo-eye signals to a running sorter",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "scan <barcode>",
		Short: "Send one barcode scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.Scan(ctx, args[0]); err != nil {
					return eris.Wrap(err, "scan")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "photo-eye <positionId>",
		Short: "Send one photo-eye pulse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			positionID, err := strconv.Atoi(args[0])
			if err != nil {
				return eris.Wrapf(err, "invalid position id %q", args[0])
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.PhotoEye(ctx, positionID); err != nil {
					return eris.Wrap(err, "photo-eye")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "photo-eye %d\n", positionID)
				return nil
			})
		},
	})

	cmd.AddCommand(buildSimulateFlowCommand())
	return cmd
}

func buildSimulateFlowCommand() *cobra.Command {
	var count int
	var prefix string
	var gap time.Duration
	var startPosition int

	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Send a stream of scans each followed by a photo-eye pulse",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(grpcAddr)
			if err != nil {
				return err
			}
			defer client.Close()
			return simulateFlow(cmd.Context(), client, cmd.OutOrStdout(), flowOptions{
				Count:         count,
				Prefix:        prefix,
				Gap:           gap,
				StartPosition: startPosition,
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of items")
	cmd.Flags().StringVar(&prefix, "prefix", "SIM", "barcode prefix")
	cmd.Flags().DurationVar(&gap, "gap", 500*time.Millisecond, "delay between scan and photo-eye, and between items")
	cmd.Flags().IntVar(&startPosition, "start-position", plc.BucketMin, "first position id; wraps within the bucket range")

	return cmd
}

type flowOptions struct {
	Count         int
	Prefix        string
	Gap           time.Duration
	StartPosition int
}

// signalSender is the part of server.Client used by simulateFlow.
type signalSender interface {
	Scan(ctx context.Context, barcode string) error
	PhotoEye(ctx context.Context, positionID int) error
}

func simulateFlow(ctx context.Context, c signalSender, out io.Writer, opts flowOptions) error {
	span := plc.BucketMax - plc.BucketMin + 1
	for i := 0; i < opts.Count; i++ {
		barcode := fmt.Sprintf("%s%04d", opts.Prefix, i+1)
		positionID := plc.BucketMin + (opts.StartPosition-plc.BucketMin+i)%span

		if err := c.Scan(ctx, barcode); err != nil {
			return eris.Wrapf(err, "scan %s", barcode)
		}
		if err := sleepCtx(ctx, opts.Gap); err != nil {
			return err
		}
		if err := c.PhotoEye(ctx, positionID); err != nil {
			return eris.Wrapf(err, "photo-eye %d", positionID)
		}
		fmt.Fprintf(out, "%s -> position %d\n", barcode, positionID)

		if i < opts.Count-1 {
			if err := sleepCtx(ctx, opts.Gap); err != nil {
				return err
			}
		}
	}
	return nil
}

func withClient(cmd *cobra.Command, fn func(context.Context, *server.Client) error) error {
	client, err := server.Dial(grpcAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// lookup / history / push-settings
// ============================================================================

func buildLookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <barcode>",
		Short: "Resolve one barcode against the lookup service and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pushers, err := loadSettings(configFile)
			if err != nil {
				return err
			}
			res := newResolver(cfg, pushers, nil, nil)
			return lookupOnce(cmd.Context(), res, args[0], cmd.OutOrStdout())
		},
	}
}

func lookupOnce(ctx context.Context, res *resolver.Resolver, barcode string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	routing, err := res.Resolve(ctx, barcode)
	if err != nil {
		fmt.Fprintf(out, "%s: lookup failed (%s)\n", barcode, resolver.KindOf(err))
		return err
	}
	fmt.Fprintf(out, "%s: pusher %d %q trigger distance %.1f\n",
		barcode, routing.PusherID, routing.Label, routing.TriggerDistance)
	return nil
}

func buildHistoryCommand() *cobra.Command {
	var file string
	var barcode string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the item lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return eris.Wrap(err, "failed to load config")
				}
				file = cfg.Journal.Path()
			}
			if file == "" {
				return eris.New("journal disabled; pass --file")
			}
			return showHistory(cmd.OutOrStdout(), file, barcode, limit)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "journal file (default from journal.dir; .gz accepted)")
	cmd.Flags().StringVar(&barcode, "barcode", "", "only show events for this barcode")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last n events")

	return cmd
}

func showHistory(out io.Writer, path, barcode string, limit int) error {
	var lines []string
	err := journal.ReadFile(path, func(r journal.Record) error {
		if barcode != "" && r.Event.Barcode != barcode {
			return nil
		}
		lines = append(lines, fmt.Sprintf("%6d %s", r.Seq, formatEvent(r.Event)))
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "read journal %s", path)
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	fmt.Fprintf(out, "%d event(s)\n", len(lines))
	return nil
}

func buildPushSettingsCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "push-settings",
		Short: "Download pusher trigger distances to the PLC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pushers, err := loadSettings(configFile)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.PLC.Address = address
			}
			if cfg.PLC.Address == "" {
				return eris.New("plc.address is not configured")
			}

			p := newPLC(cfg, pushers, nil)
			defer p.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return pushSettings(ctx, p, pushers, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "override plc.address (host:port)")
	return cmd
}

// distanceWriter is the part of plc.PLC used by push-settings.
type distanceWriter interface {
	WritePusherDistances(ctx context.Context, pushers types.PusherTable) error
}

func pushSettings(ctx context.Context, w distanceWriter, pushers types.PusherTable, out io.Writer) error {
	if err := w.WritePusherDistances(ctx, pushers); err != nil {
		return eris.Wrap(err, "push settings")
	}
	for _, p := range pushers {
		if p.ID < 1 || p.ID > plc.MaxPushers {
			fmt.Fprintf(out, "pusher %d skipped (PLC holds pushers 1-%d)\n", p.ID, plc.MaxPushers)
			continue
		}
		fmt.Fprintf(out, "pusher %d %-20s distance %.1f -> register 0x%04X\n",
			p.ID, p.Label, p.Distance, plc.DistanceRegister(p.ID))
	}
	return nil
}
