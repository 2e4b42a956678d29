package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"studymate/internal/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative recovery actions on the material store",
}

var resetMaterialCmd = &cobra.Command{
	Use:   "reset-material <material-id>",
	Short: "Reset a failed material to pending for reprocessing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store.Path, cfg.Models.EmbedDim)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ResetFailed(args[0]); err != nil {
			return err
		}
		fmt.Printf("material %s reset to pending\n", args[0])
		return nil
	},
}

var resetStuckCmd = &cobra.Command{
	Use:   "reset-stuck",
	Short: "Reset materials stuck in processing (after a crash) to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store.Path, cfg.Models.EmbedDim)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.ResetStuck()
		if err != nil {
			return err
		}
		fmt.Printf("%d material(s) reset to pending\n", n)
		return nil
	},
}

func init() {
	adminCmd.AddCommand(resetMaterialCmd)
	adminCmd.AddCommand(resetStuckCmd)
}
