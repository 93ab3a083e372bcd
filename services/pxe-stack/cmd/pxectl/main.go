package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"pxewatch/pkg/bus"
	"pxewatch/services/pxe-stack/internal/devices"
	"pxewatch/services/pxe-stack/internal/lifecycle"
	"pxewatch/services/pxe-stack/internal/menu"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "pxectl",
		Short:         "Inspect devices tracked by the PXE provisioning service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", envOr("PXECTL_API", "http://localhost:8080"), "Base URL of the pxe-stack status API")

	api := func() string { return strings.TrimRight(apiBase, "/") }
	cmd.AddCommand(newDevicesCommand(api))
	cmd.AddCommand(newIPMapCommand(api))
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newMenuCommand())
	return cmd
}

func newDevicesCommand(api func() string) *cobra.Command {
	var (
		stage  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "devices [mac]",
		Short: "List tracked devices, or show one device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				var rec devices.Record
				if err := fetchJSON(ctx, api()+"/v1/devices/"+url.PathEscape(args[0]), &rec); err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, rec)
				}
				return printDevices(out, []devices.Record{rec})
			}

			endpoint := api() + "/v1/devices"
			if stage != "" {
				endpoint += "?stage=" + url.QueryEscape(stage)
			}
			var list struct {
				Devices []devices.Record `json:"devices"`
			}
			if err := fetchJSON(ctx, endpoint, &list); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, list.Devices)
			}
			return printDevices(out, list.Devices)
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Only list devices in this stage")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func newIPMapCommand(api func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ipmap",
		Short: "Show which hardware address holds each leased address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries map[string]string
			if err := fetchJSON(commandContext(cmd), api()+"/v1/ipmap", &entries); err != nil {
				return err
			}

			addrs := make([]string, 0, len(entries))
			for addr := range entries {
				addrs = append(addrs, addr)
			}
			sort.Strings(addrs)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tMAC")
			for _, addr := range addrs {
				fmt.Fprintf(tw, "%s\t%s\n", addr, entries[addr])
			}
			return tw.Flush()
		},
	}
}

func newWatchCommand() *cobra.Command {
	var (
		natsURL   string
		subject   string
		jetstream bool
		durable   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle changes from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := bus.New(natsURL, jetstream, nats.Name("pxectl"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, durable, func(_ context.Context, data []byte) error {
				var c lifecycle.Change
				if err := json.Unmarshal(data, &c); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping malformed change: %v\n", err)
					return nil
				}
				fmt.Fprintln(out, formatChange(c))
				return nil
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("PXE_NATS_URL", nats.DefaultURL), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", envOr("PXE_NATS_SUBJECT", "pxe.devices.events"), "Subject lifecycle changes are published on")
	cmd.Flags().BoolVar(&jetstream, "jetstream", false, "Consume through JetStream")
	cmd.Flags().StringVar(&durable, "durable", "", "JetStream durable consumer name")
	return cmd
}

func newMenuCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Boot menu operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newMenuRenderCommand())
	return cmd
}

func newMenuRenderCommand() *cobra.Command {
	var (
		file   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a YAML boot menu into a pxelinux configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := menu.Load(file)
			if err != nil {
				return err
			}
			gen, err := menu.NewGenerator()
			if err != nil {
				return err
			}
			text, skipped, err := gen.Generate(doc)
			for _, problem := range skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", problem)
			}
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(text)
				return err
			}
			return os.WriteFile(output, text, 0o644)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the YAML menu document")
	cmd.Flags().StringVar(&output, "output", "", "Destination file (default stdout)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printDevices(w io.Writer, recs []devices.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tSTAGE\tADDRESS\tHOSTNAME\tLAST ACTIVE\tLAST EVENT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.HardwareAddr, dash(string(r.Stage)), dash(r.AssignedAddress), dash(r.Hostname),
			r.LastActiveAt.Local().Format(time.DateTime), r.LastEvent)
	}
	return tw.Flush()
}

func formatChange(c lifecycle.Change) string {
	if c.Kind == lifecycle.KindEvicted {
		return fmt.Sprintf("%s %s evicted (was %s)", c.At.Local().Format(time.DateTime), c.HardwareAddr, dash(string(c.Previous)))
	}
	stage := string(c.Record.Stage)
	if c.Previous != c.Record.Stage {
		stage = dash(string(c.Previous)) + " -> " + dash(stage)
	}
	return fmt.Sprintf("%s %s %s: %s", c.At.Local().Format(time.DateTime), c.HardwareAddr, stage, c.Record.LastEvent)
}

func fetchJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
