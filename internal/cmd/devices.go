package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kamera/internal/camera"
	"kamera/internal/config"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "利用可能なカメラとストリーム構成を一覧表示する",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	table := camera.NewCapabilityTable()
	if err := table.Populate(cmd.Context(), cfg.Discovery()); err != nil {
		return fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}

	out, err := json.MarshalIndent(table.Devices(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
