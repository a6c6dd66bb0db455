// Package cmd はkameraのコマンドラインを実装する
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kamera/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "kamera",
	Short: "USBカメラのキャプチャセッションを管理して配信する",
	Long: `kameraはV4L2カメラを列挙し、1つのキャプチャセッションを開いて
最新フレームをMJPEG/WebSocketで配信します。`,
	SilenceUsage: true,
}

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "設定ファイル (デフォルト: ./config.yaml, $HOME/.config/kamera/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// 設定ファイルがなくても使えるよう先にデフォルトを登録する
	config.SetDefaults(viper.GetViper())

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/kamera")
	}

	// KAMERA_SERVER_PORT のような環境変数で上書きできる
	config.BindEnv(viper.GetViper())

	// 設定ファイルがない場合は無視する
	_ = viper.ReadInConfig()
}
