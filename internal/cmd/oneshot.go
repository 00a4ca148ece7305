package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"triggercord/internal/logging"
	"triggercord/internal/protocol"
	"triggercord/internal/session"
)

// consoleSink はセッションの進捗と結果を端末へ表示する
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *consoleSink) OnProgress(job string, p session.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Kind {
	case session.ProgressStatus:
		for _, field := range session.StatusFields {
			if v, ok := p.Status[field]; ok {
				fmt.Fprintf(s.out, "%-22s %s\n", field+":", v)
			}
		}
	case session.ProgressPreview:
		fmt.Fprintf(s.out, "プレビュー: %s\n", humanize.Bytes(uint64(p.Bytes)))
	case session.ProgressImage:
		fmt.Fprintf(s.out, "保存しました: %s (%s)\n", p.File, humanize.Bytes(uint64(p.Bytes)))
	}
}

func (s *consoleSink) OnResult(job string, r session.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Outcome {
	case session.OutcomeNone:
		fmt.Fprintf(s.out, "%s を送信しました\n", job)
	default:
		fmt.Fprintf(s.out, "[%s] %s\n", job, r.Message())
	}
}

// runSession はセッションを1つ直接実行し、結果を表示する
func runSession(cmd *cobra.Command, s *session.Session) error {
	sink := &consoleSink{out: cmd.OutOrStdout()}
	result := s.Run(contextOrBackground(cmd), func(p session.Progress) {
		sink.OnProgress(s.Name(), p)
	})
	sink.OnResult(s.Name(), result)

	if result.Outcome == session.OutcomeFailure {
		return result.Err
	}
	return nil
}

func sessionOptions(logger *logging.Logger) []session.Option {
	return []session.Option{session.WithLogger(logger)}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var noPreview bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "カメラのステータスを取得する",
		Long: `ステータス項目を取得して表示します。
カメラのバッファに画像があればプレビューと画像をダウンロードして保存します。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			sc := cfg.SessionConfig()
			if noPreview {
				sc.ShowPreview = false
			}
			return runSession(cmd, session.NewPoll(sc, sessionOptions(logger)...))
		},
	}

	cmd.Flags().BoolVar(&noPreview, "no-preview", false, "プレビューをデコードしない")
	return cmd
}

// newCommandCmd はコマンドを1つ送り、応答を1行読むサブコマンドを作る
func newCommandCmd(opts *globalOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			s := session.NewCommands(cfg.SessionConfig(), []protocol.Command{protocol.Command(name)}, sessionOptions(logger)...)
			return runSession(cmd, s)
		},
	}
}
