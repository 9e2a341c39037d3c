package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/control"
	"github.com/castbridge/castbridge/internal/discovery"
	"github.com/castbridge/castbridge/internal/topology"
)

func newControlClient() *control.Client {
	return control.NewClient(cfg.Control.RatePerSecond, cfg.Control.Timeout(), logger)
}

func newDiscoveryService() *discovery.Service {
	return discovery.NewService(discovery.Config{
		Timeout:       cfg.Discovery.Timeout(),
		RetryCount:    cfg.Discovery.RetryCount,
		RetryInterval: cfg.Discovery.RetryInterval(),
		CacheTTL:      cfg.Discovery.CacheTTL(),
		SearchTarget:  cfg.Discovery.SearchTarget,
	}, logger)
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the local network for speakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := newDiscoveryService()

			start := time.Now()
			devices := svc.Discover(cmd.Context(), true)
			logger.Debug("scan finished",
				zap.Int("devices", len(devices)),
				zap.Duration("duration", time.Since(start)),
			)

			if len(devices) == 0 {
				fmt.Println("No speakers found.")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-40s %s\n", d.UUID, d.IP)
			}
			return nil
		},
	}
}

func groupsCmd() *cobra.Command {
	var deviceIP string

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Show the current speaker grouping",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := topology.NewResolver(newControlClient(), newDiscoveryService(), logger)

			groups, err := resolver.Groups(cmd.Context(), deviceIP)
			if err != nil {
				return err
			}

			for _, g := range groups {
				fmt.Printf("%s (coordinator %s)\n", g.DisplayName, g.CoordinatorIP)
				for _, m := range g.Members {
					marker := "  "
					if m.UUID == g.CoordinatorID {
						marker = "* "
					}
					fmt.Printf("  %s%-20s %s\n", marker, m.DisplayName, m.IP)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceIP, "device", "", "query this device instead of discovering one")
	return cmd
}

func playCmd() *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "play DEVICE_IP STREAM_URL",
		Short: "Point a speaker at a stream URL and start playback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient()
			deviceIP, streamURL := args[0], args[1]

			if err := client.SetStreamURI(cmd.Context(), deviceIP, streamURL, title); err != nil {
				return fmt.Errorf("setting stream url: %w", err)
			}
			if err := client.Play(cmd.Context(), deviceIP); err != nil {
				return fmt.Errorf("starting playback: %w", err)
			}
			fmt.Printf("Playing %s on %s\n", streamURL, deviceIP)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "CastBridge", "title shown on the speaker")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop DEVICE_IP",
		Short: "Stop playback on a speaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newControlClient().Stop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("stopping playback: %w", err)
			}
			fmt.Printf("Stopped %s\n", args[0])
			return nil
		},
	}
}

func volumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "volume DEVICE_IP [LEVEL]",
		Short: "Get or set a speaker's volume (0-100)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient()
			deviceIP := args[0]

			if len(args) == 1 {
				vol, err := client.GetVolume(cmd.Context(), deviceIP)
				if err != nil {
					return fmt.Errorf("reading volume: %w", err)
				}
				fmt.Println(vol)
				return nil
			}

			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid volume level %q", args[1])
			}
			if err := client.SetVolume(cmd.Context(), deviceIP, level); err != nil {
				return fmt.Errorf("setting volume: %w", err)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running bridge daemon's streams and subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := "http://" + addr + "/api/status"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("daemon unreachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			// Re-indent for the terminal.
			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return err
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "daemon address")
	return cmd
}
