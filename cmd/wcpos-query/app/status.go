package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wcpos/query/internal/config"
	"github.com/wcpos/query/internal/status"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the saved replication checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(config.WithConfigPath(v.GetString("config")))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Store.StatusPath == "" {
				return fmt.Errorf("store.statusPath is not configured")
			}
			checkpoints, err := status.NewFileStatusPersistence(cfg.Store.StatusPath).LoadAllStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), v.GetString("format"), checkpoints)
		},
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().String("format", "", "Output format (json)")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		slog.Error("Failed to bind status flags", "error", err)
	}
	if err := cmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
	return cmd
}

func printCheckpoints(w io.Writer, format string, checkpoints map[string]*status.ReplicationStatus) error {
	if format == "json" {
		data, err := json.MarshalIndent(checkpoints, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format checkpoints: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	for _, endpoint := range slices.Sorted(maps.Keys(checkpoints)) {
		st := checkpoints[endpoint]
		if _, err := fmt.Fprintf(w, "%s\t%s\tdocuments=%d\tcursor=%s\n",
			endpoint, st.Phase, st.DocumentCount, st.LastModified); err != nil {
			return err
		}
	}
	return nil
}
