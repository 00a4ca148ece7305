// Package app は設定から各コンポーネントを組み立て、起動と停止の順序を管理する
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"triggercord/internal/camera"
	"triggercord/internal/clock"
	"triggercord/internal/config"
	"triggercord/internal/logging"
	"triggercord/internal/metrics"
	"triggercord/internal/protocol"
	"triggercord/internal/runner"
	"triggercord/internal/server"
	"triggercord/internal/session"
	"triggercord/internal/state"
	"triggercord/internal/timelapse"
)

// DefaultShutdownTimeout は停止処理全体の期限
const DefaultShutdownTimeout = 10 * time.Second

// App はクライアント全体
type App struct {
	config          *config.Config
	logger          *logging.Logger
	clock           clock.Clock
	metrics         *metrics.Registry
	gatherer        prometheus.Gatherer
	dialer          session.Dialer
	listener        net.Listener
	shutdownTimeout time.Duration

	monitor   *camera.Monitor
	runner    *runner.Runner
	scheduler *timelapse.Scheduler
	manager   *timelapse.DefaultManager
	server    *server.Server
}

// Option はAppの任意設定
type Option func(*App)

// WithLogger はロガーを指定する
func WithLogger(l *logging.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithClock は時刻ソースを指定する
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithRegistry はメトリクスの登録先を指定する。未指定ならグローバルのレジストリを使う
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.metrics = metrics.New(reg)
		a.gatherer = reg
	}
}

// WithDialer はカメラ制御サーバーへの接続に使うDialerを指定する
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithListener はHTTPサーバーの待ち受けを指定する
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithShutdownTimeout は停止処理の期限を指定する
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) { a.shutdownTimeout = d }
}

// New は設定から全コンポーネントを組み立てる。通信はまだ始めない
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{
		config:          cfg,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Or(a.logger)
	a.clock = clock.Or(a.clock)
	if a.metrics == nil {
		a.metrics = metrics.Get()
		a.gatherer = prometheus.DefaultGatherer
	}

	a.monitor = camera.NewMonitor(a.clock, a.logger)
	a.runner = runner.New(a.monitor,
		runner.WithLogger(a.logger),
		runner.WithMetrics(a.metrics))

	keepAwakeLog := a.logger.WithComponent("keepawake")
	a.scheduler = timelapse.NewScheduler(a.runner, a.newJob,
		timelapse.WithClock(a.clock),
		timelapse.WithLogger(a.logger),
		timelapse.WithMetrics(a.metrics),
		timelapse.WithKeepAwake(timelapse.KeepAwakeFunc(func(on bool) {
			if on {
				keepAwakeLog.Info("連続撮影中のためスリープを抑止します")
			} else {
				keepAwakeLog.Info("スリープ抑止を解除しました")
			}
		})))

	var store state.Store
	if cfg.State.Path != "" {
		store = state.NewFileStore(cfg.State.Path)
	}
	a.manager = timelapse.NewDefaultManager(a.scheduler, store, a.monitor, cfg.TimelapseConfig(), a.clock, a.logger)

	a.server = server.New(cfg, a.manager, a.monitor,
		server.WithGatherer(a.gatherer),
		server.WithLogger(a.logger))
	return a
}

// newJob はコマンドからセッションを作る。空のコマンドはステータス取得
func (a *App) newJob(cmd protocol.Command) runner.Job {
	opts := []session.Option{
		session.WithClock(a.clock),
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	}
	if a.dialer != nil {
		opts = append(opts, session.WithDialer(a.dialer))
	}

	if cmd == "" {
		return session.NewPoll(a.config.SessionConfig(), opts...)
	}
	return session.NewCommands(a.config.SessionConfig(), []protocol.Command{cmd}, opts...)
}

// Monitor はカメラ状態のモニターを返す
func (a *App) Monitor() *camera.Monitor {
	return a.monitor
}

// Manager はスケジュール管理を返す
func (a *App) Manager() timelapse.Manager {
	return a.manager
}

// Handler はHTTPハンドラを返す
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run は全コンポーネントを起動し、ctx が終了するまでブロックする
//
// 停止時はスケジュールの保存と取り消し、実行待ちジョブの完了、HTTPサーバーの停止を行う。
func (a *App) Run(ctx context.Context) error {
	// 実行中のセッションはctxの終了では中断せず、Stopで待つ
	if err := a.runner.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("ジョブ実行器の起動に失敗: %w", err)
	}

	if err := a.manager.Start(ctx); err != nil {
		_ = a.runner.Stop(context.Background())
		return fmt.Errorf("スケジューラの起動に失敗: %w", err)
	}

	a.logger.Info("triggercord を起動しました",
		"camera", a.config.Camera.Address,
		"http", a.config.ServerAddress())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if a.listener != nil {
			return a.server.Serve(gctx, a.listener)
		}
		return a.server.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// shutdown はスケジューラ、ジョブ実行器の順に停止する
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.runner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ジョブ実行器の停止に失敗: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("停止処理でエラーが発生しました", "error", err)
		return err
	}
	a.logger.Info("triggercord を停止しました")
	return nil
}
