// Package cmd はtriggercordのコマンドラインを定義する
package cmd

import (
	"github.com/spf13/cobra"

	"triggercord/internal/config"
	"triggercord/internal/logging"
)

// globalOptions は全コマンド共通のフラグ
type globalOptions struct {
	configFile string
	logLevel   string
	jsonLog    bool
}

// NewRootCmd はルートコマンドを作成する
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "triggercord",
		Short: "リモートカメラ制御クライアント",
		Long: `triggercord はTCPのカメラ制御サーバーに接続し、
ステータス取得・画像のダウンロード・シャッター操作・連続撮影を行います。`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "設定ファイル (YAML)")
	flags.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug/info/warn/error)")
	flags.BoolVar(&opts.jsonLog, "json-log", false, "ログをJSONで出力する")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newCommandCmd(opts, "shutter", "シャッターを切る"),
		newCommandCmd(opts, "focus", "フォーカスを合わせる"),
		newCommandCmd(opts, "stopserver", "カメラ制御サーバーを停止する"),
		newBurstCmd(opts),
	)
	return root
}

// Execute はルートコマンドを実行する
func Execute() error {
	return NewRootCmd().Execute()
}

// load は設定を読み込み、フラグを反映したロガーをデフォルトに設定する
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if cmd.Flags().Changed("json-log") {
		cfg.Log.JSON = o.jsonLog
	}

	logger := logging.New(cfg.LoggingConfig())
	logging.SetDefault(logger)
	return cfg, logger, nil
}
