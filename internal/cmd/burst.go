package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"triggercord/internal/protocol"
	"triggercord/internal/runner"
	"triggercord/internal/session"
	"triggercord/internal/timelapse"
)

// burstPollInterval は連続撮影の完了を確認する間隔
const burstPollInterval = 100 * time.Millisecond

func newBurstCmd(opts *globalOptions) *cobra.Command {
	var (
		frames int
		delay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "burst",
		Short: "一定間隔でシャッターを切る",
		Long: `--delay 間隔で --frames 回シャッターを切り、全て送り終えたら終了します。
HTTP APIは起動しません。中断すると残りの撮影は取り消されます。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("frames") {
				frames = cfg.Capture.FrameCount
			}
			if !cmd.Flags().Changed("delay") {
				delay = cfg.Capture.Delay
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sink := &consoleSink{out: cmd.OutOrStdout()}
			r := runner.New(sink, runner.WithLogger(logger))
			if err := r.Start(context.WithoutCancel(ctx)); err != nil {
				return err
			}

			sc := cfg.SessionConfig()
			sched := timelapse.NewScheduler(r, func(c protocol.Command) runner.Job {
				if c == "" {
					return session.NewPoll(sc, sessionOptions(logger)...)
				}
				return session.NewCommands(sc, []protocol.Command{c}, sessionOptions(logger)...)
			}, timelapse.WithLogger(logger))

			if _, err := sched.StartBurst(frames, delay); err != nil {
				_ = r.Stop(context.Background())
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "連続撮影を開始しました: %d枚 / %s間隔\n", frames, delay)

			err = waitBurst(ctx, sched)
			sched.Close()
			if stopErr := r.Stop(context.Background()); stopErr != nil && err == nil {
				err = stopErr
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&frames, "frames", "n", 1, "撮影枚数")
	cmd.Flags().DurationVarP(&delay, "delay", "d", 5*time.Second, "撮影間隔")
	return cmd
}

// waitBurst は全スケジュールが終わるか ctx が終了するまで待つ
func waitBurst(ctx context.Context, sched *timelapse.Scheduler) error {
	ticker := time.NewTicker(burstPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("連続撮影を中断しました: %w", ctx.Err())
		case <-ticker.C:
			if sched.Len() == 0 {
				return nil
			}
		}
	}
}
