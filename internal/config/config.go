package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"triggercord/internal/logging"
	"triggercord/internal/session"
	"triggercord/internal/timelapse"
)

// EnvPrefix は環境変数の接頭辞 (例: TRIGGERCORD_CAMERA_ADDRESS)
const EnvPrefix = "TRIGGERCORD"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Capture CaptureConfig `mapstructure:"capture"`
	Poll    PollConfig    `mapstructure:"poll"`
	State   StateConfig   `mapstructure:"state"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host"` // リッスンするホスト
	Port int    `mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ制御サーバーへの接続設定
type CameraConfig struct {
	Address        string        `mapstructure:"address"`         // host:port
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // 接続タイムアウト
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`    // 応答待ちタイムアウト（0で無制限）
}

// CaptureConfig は撮影関連の設定
type CaptureConfig struct {
	OutputDir    string        `mapstructure:"output_dir"`    // 画像の保存先
	ShowPreview  bool          `mapstructure:"show_preview"`  // プレビューをデコードするか
	PreviewWidth int           `mapstructure:"preview_width"` // プレビューの最大幅
	FrameCount   int           `mapstructure:"frame_count"`   // 連続撮影のデフォルト枚数
	Delay        time.Duration `mapstructure:"delay"`         // 連続撮影のデフォルト間隔
}

// PollConfig はステータス取得の設定
type PollConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// StateConfig は状態保存の設定
type StateConfig struct {
	Path string `mapstructure:"path"` // 空なら保存しない
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults は v にデフォルト値を登録する
func SetDefaults(v *viper.Viper) {
	sess := session.DefaultConfig()
	tl := timelapse.DefaultConfig()

	// サーバー
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // WebSocket用にタイムアウト無効化

	// カメラ
	v.SetDefault("camera.address", sess.Address)
	v.SetDefault("camera.connect_timeout", sess.ConnectTimeout)
	v.SetDefault("camera.read_timeout", 0)

	// 撮影
	v.SetDefault("capture.output_dir", sess.OutputDir)
	v.SetDefault("capture.show_preview", sess.ShowPreview)
	v.SetDefault("capture.preview_width", 640)
	v.SetDefault("capture.frame_count", tl.FrameCount)
	v.SetDefault("capture.delay", tl.Delay)

	// ステータス取得
	v.SetDefault("poll.enabled", tl.PollEnabled)
	v.SetDefault("poll.interval", tl.PollInterval)

	v.SetDefault("state.path", "triggercord-state.yaml")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// NewViper はデフォルト値と環境変数を設定したviperを返す
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load は設定を読み込む
//
// path が空でなければそのYAMLファイルを読み込み、環境変数で上書きする。
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper は v の内容から設定を作成し検証する
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return &cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証
	if c.Camera.Address == "" {
		errs = append(errs, errors.New("カメラ制御サーバーのアドレスが設定されていません"))
	}
	if c.Camera.ConnectTimeout < 0 || c.Camera.ReadTimeout < 0 {
		errs = append(errs, errors.New("タイムアウトに負の値は指定できません"))
	}

	// 撮影設定の検証
	if c.Capture.OutputDir == "" {
		errs = append(errs, errors.New("画像の保存先が設定されていません"))
	}
	if c.Capture.PreviewWidth < 0 {
		errs = append(errs, fmt.Errorf("無効なプレビュー幅: %d", c.Capture.PreviewWidth))
	}
	if c.Capture.FrameCount < 1 {
		errs = append(errs, fmt.Errorf("無効な撮影枚数: %d", c.Capture.FrameCount))
	}
	if c.Capture.Delay <= 0 {
		errs = append(errs, fmt.Errorf("無効な撮影間隔: %s", c.Capture.Delay))
	}

	if c.Poll.Enabled && c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("無効なステータス取得間隔: %s", c.Poll.Interval))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SessionConfig はセッション用の設定を返す
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Address:        c.Camera.Address,
		ConnectTimeout: c.Camera.ConnectTimeout,
		ReadTimeout:    c.Camera.ReadTimeout,
		OutputDir:      c.Capture.OutputDir,
		ShowPreview:    c.Capture.ShowPreview,
		PreviewWidth:   c.Capture.PreviewWidth,
	}
}

// TimelapseConfig はスケジューラ用の設定を返す
func (c *Config) TimelapseConfig() timelapse.Config {
	return timelapse.Config{
		PollEnabled:  c.Poll.Enabled,
		PollInterval: c.Poll.Interval,
		FrameCount:   c.Capture.FrameCount,
		Delay:        c.Capture.Delay,
	}
}

// LoggingConfig はロガー用の設定を返す
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  logging.ParseLevel(c.Log.Level),
		Output: os.Stderr,
		JSON:   c.Log.JSON,
	}
}
