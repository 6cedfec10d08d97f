package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nxlb/turnplane/internal/config"
	"github.com/nxlb/turnplane/internal/store/file"
	"github.com/nxlb/turnplane/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nxlb/turnplane/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "turnplane",
	Short: "Turnplane agent-runtime control plane",
	Long:  "Turnplane: agent-runtime control plane with WebSocket RPC, tool execution, and channel integration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $TURNPLANE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pairingCmd())
}

// pairingCmd lets the operator inspect and approve pending pairing codes in
// standalone mode. Managed deployments approve through the admin surface
// instead.
func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing requests",
	}
	open := func() (*file.PairingStore, error) {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return nil, err
		}
		return file.NewPairingStore(pairingStorePath(cfg), file.PairingOptions{
			CodeLength: cfg.Pairing.CodeLength,
			MaxPending: cfg.Pairing.MaxPendingCodes,
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			pending := store.Pending()
			if len(pending) == 0 {
				fmt.Println("no pending pairing requests")
				return nil
			}
			for _, p := range pending {
				fmt.Printf("%s\t%s\t%s\n", p.Channel, p.UserID, p.Code)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing request by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			if err := store.ApproveByCode(args[0]); err != nil {
				return err
			}
			fmt.Println("approved")
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("turnplane %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// configCmd validates the resolved config file (or the built-in defaults
// if none exists) and prints the settings that decide how the gateway
// will come up, without starting it.
func configCmd() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate the config file and print its effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			fmt.Printf("config: %s (hash %s)\n", path, cfg.Hash()[:12])
			fmt.Printf("gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
			fmt.Printf("database mode: %s\n", cfg.Database.Mode)
			fmt.Printf("bindings: %d\n", len(cfg.Bindings))
			if show {
				out, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the full effective config as JSON")
	return cmd
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TURNPLANE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
