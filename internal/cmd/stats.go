package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpcsentinel/rpcsentinel/internal/core/store"
	"github.com/rpcsentinel/rpcsentinel/internal/output"
)

var statsAsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-endpoint statistics",
	Long:  "Show the persisted per-endpoint request and rate-limit statistics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // read-only session

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		stats, err := st.EndpointStatistics(cmd.Context())
		if err != nil {
			return err
		}

		if statsAsJSON {
			rendered, err := output.FormatStatisticsJSON(stats)
			if err != nil {
				return err
			}
			fmt.Println(rendered)
			return nil
		}

		fmt.Println(output.FormatStatisticsTable(stats))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().BoolVar(&statsAsJSON, "json", false, "emit statistics as JSON")
}
