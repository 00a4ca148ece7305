// Package session はカメラ制御サーバーとの1回分のやり取り（接続→コマンド→切断）を実行する
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // プレビューのデコード用
	_ "image/png"  // プレビューのデコード用
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"

	"triggercord/internal/clock"
	"triggercord/internal/logging"
	"triggercord/internal/metrics"
	"triggercord/internal/protocol"
)

// Dialer はTCP接続を確立する
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config はセッションの設定
type Config struct {
	Address        string        // サーバーアドレス (例: localhost:8888)
	ConnectTimeout time.Duration // 接続タイムアウト
	ReadTimeout    time.Duration // 読み込みタイムアウト（0で無制限）
	OutputDir      string        // 画像ファイルの保存先
	ShowPreview    bool          // プレビューをデコードするか
	PreviewWidth   int           // プレビューの最大幅（0で縮小しない）
}

// DefaultConfig はデフォルトのセッション設定を返す
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:8888",
		ConnectTimeout: 3 * time.Second,
		OutputDir:      "captures",
		ShowPreview:    true,
	}
}

// Option はSessionの任意設定
type Option func(*Session)

// WithDialer は接続に使うDialerを指定する
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithClock は時刻ソースを指定する
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger はロガーを指定する
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics はメトリクスの記録先を指定する
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Session) { s.metrics = m }
}

// Mode はセッションの動作モード
type Mode string

// Mode の定数定義
const (
	ModePoll    Mode = "poll"    // ステータス取得とバッファ転送
	ModeCommand Mode = "command" // コマンドを送るだけ
)

// Session は1本のTCP接続のライフサイクルを管理する
type Session struct {
	cfg      Config
	commands []protocol.Command
	dialer   Dialer
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry
}

// NewPoll はステータス取得セッションを作成する
func NewPoll(cfg Config, opts ...Option) *Session {
	return newSession(cfg, nil, opts)
}

// NewCommands は指定コマンドを順に送るだけのセッションを作成する
func NewCommands(cfg Config, commands []protocol.Command, opts ...Option) *Session {
	return newSession(cfg, commands, opts)
}

func newSession(cfg Config, commands []protocol.Command, opts []Option) *Session {
	s := &Session{
		cfg:      cfg,
		commands: append([]protocol.Command(nil), commands...),
		dialer:   &net.Dialer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.Or(s.clock)
	s.logger = logging.Or(s.logger).WithComponent("session")
	return s
}

// Mode はセッションのモードを返す
func (s *Session) Mode() Mode {
	if len(s.commands) > 0 {
		return ModeCommand
	}
	return ModePoll
}

// Name はログ表示用の名前を返す
func (s *Session) Name() string {
	if len(s.commands) == 0 {
		return string(ModePoll)
	}
	names := make([]string, len(s.commands))
	for i, c := range s.commands {
		names[i] = string(c)
	}
	return strings.Join(names, ",")
}

// Run はセッションを実行する。途中経過は emit に渡し、終了結果を1つ返す
//
// 失敗はすべて結果に変換され、接続は成功・失敗にかかわらず必ず切断する。
// ctx が終了すると接続を閉じ、途中のセッションは失敗として返る。
func (s *Session) Run(ctx context.Context, emit func(Progress)) Result {
	if emit == nil {
		emit = func(Progress) {}
	}
	start := s.clock.Now()

	conn, err := s.dial(ctx)
	if err != nil {
		return s.finish(Failure(err), start)
	}

	// ctx が終了したら接続を閉じ、応答待ちの読み込みを解除する
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var rw io.ReadWriter = conn
	if s.cfg.ReadTimeout > 0 {
		rw = deadlineConn{Conn: conn, timeout: s.cfg.ReadTimeout}
	}
	codec := protocol.NewCodec(rw)

	var result Result
	if s.Mode() == ModeCommand {
		if err := s.runCommands(codec); err != nil {
			result = Failure(err)
		} else {
			result = None()
		}
	} else {
		if err := s.runPoll(codec, emit); err != nil {
			result = Failure(err)
		} else {
			result = Success(s.clock.Since(start))
		}
	}

	if result.Outcome == OutcomeFailure && ctx.Err() != nil {
		result = Failure(protocol.NewError(protocol.ErrIO, "", "セッションを中断しました", ctx.Err()))
	}

	if err := teardown(conn); err != nil {
		s.logger.Warn("切断に失敗しました", "error", err)
		if result.Outcome == OutcomeNone {
			result = Failure(err)
		}
	}

	return s.finish(result, start)
}

// finish は結果をログとメトリクスに記録する
func (s *Session) finish(result Result, start time.Time) Result {
	s.metrics.ObserveSession(string(s.Mode()), string(result.Outcome), s.clock.Since(start))

	switch result.Outcome {
	case OutcomeFailure:
		s.logger.Warn("セッションが失敗しました", "session", s.Name(), "error", result.Err)
	default:
		s.logger.Debug("セッションが完了しました", "session", s.Name(), "outcome", result.Outcome)
	}
	return result
}

// dial はタイムアウト付きで接続する
func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrConnect, "",
			fmt.Sprintf("%s に接続できません", s.cfg.Address), err)
	}
	return conn, nil
}

// runCommands は各コマンドを送信し、応答を1行ずつ読む
func (s *Session) runCommands(codec *protocol.Codec) error {
	for _, cmd := range s.commands {
		line, err := codec.Exchange(cmd)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		s.logger.Debug("コマンド応答", "command", cmd, "reply", line)
	}
	return nil
}

// runPoll は connect → update_status → 項目取得 → (バッファ転送) を行う
func (s *Session) runPoll(codec *protocol.Codec, emit func(Progress)) error {
	line, err := codec.Exchange(protocol.CmdConnect)
	if err != nil {
		return nullAnswer(protocol.CmdConnect, err)
	}
	if !protocol.IsSuccess(line) {
		return protocol.NewError(protocol.ErrProtocol, protocol.CmdConnect, "No camera connected", nil)
	}

	line, err = codec.Exchange(protocol.CmdUpdateStatus)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if !protocol.IsSuccess(line) {
		return protocol.NewError(protocol.ErrProtocol, protocol.CmdUpdateStatus, "Cannot update status", nil)
	}

	record := make(StatusRecord, len(StatusFields))
	for _, field := range StatusFields {
		cmd := protocol.GetField(field)
		line, err := codec.Exchange(cmd)
		if err != nil {
			if len(record) > 0 {
				emit(Progress{Kind: ProgressStatus, Status: record.Clone(), Percent: NoPercent})
			}
			return nullAnswer(cmd, err)
		}
		record[field] = protocol.FieldValue(line)
	}
	emit(Progress{Kind: ProgressStatus, Status: record.Clone(), Percent: NoPercent})

	if !record.BufferPresent() {
		return nil
	}

	// 最初のバッファに画像が入っている前提（複数バッファは扱わない）
	if err := s.downloadPreview(codec, record, emit); err != nil {
		return err
	}
	if err := s.downloadImage(codec, record, emit); err != nil {
		return err
	}

	line, err = codec.Exchange(protocol.CmdDeleteBuffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	s.logger.Debug("バッファを削除しました", "reply", line)
	return nil
}

// requestLength はコマンドを送り、応答行から転送長を取り出す
func (s *Session) requestLength(codec *protocol.Codec, cmd protocol.Command) (int64, error) {
	line, err := codec.Exchange(cmd)
	if err != nil {
		return 0, nullAnswer(cmd, err)
	}
	if !protocol.IsSuccess(line) {
		return 0, protocol.NewError(protocol.ErrProtocol, cmd,
			fmt.Sprintf("%s failed: %s", cmd, line), nil)
	}
	n, err := protocol.ParseLength(line)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			perr.Command = cmd
		}
		return 0, err
	}
	return n, nil
}

// downloadPreview はプレビュー画像をメモリに読み込み、デコードして通知する
func (s *Session) downloadPreview(codec *protocol.Codec, record StatusRecord, emit func(Progress)) error {
	n, err := s.requestLength(codec, protocol.CmdGetPreviewBuffer)
	if err != nil {
		return err
	}

	data, err := codec.ReadPayload(n, nil)
	s.metrics.AddBytes("preview", int64(len(data)))
	if err != nil {
		return withCommand(err, protocol.CmdGetPreviewBuffer)
	}

	var preview image.Image
	if s.cfg.ShowPreview {
		preview, err = decodePreview(data, s.cfg.PreviewWidth)
		if err != nil {
			s.logger.Warn("プレビューのデコードに失敗しました", "bytes", len(data), "error", err)
		}
	}

	emit(Progress{
		Kind:        ProgressPreview,
		Status:      record.Clone(),
		Preview:     preview,
		PreviewData: data,
		Bytes:       int64(len(data)),
		Percent:     NoPercent,
	})
	return nil
}

// downloadImage は画像バッファをタイムスタンプ名のファイルへ直接書き出す
func (s *Session) downloadImage(codec *protocol.Codec, record StatusRecord, emit func(Progress)) error {
	n, err := s.requestLength(codec, protocol.CmdGetBuffer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return protocol.NewError(protocol.ErrIO, protocol.CmdGetBuffer, "出力ディレクトリの作成に失敗", err)
	}
	f, path, err := createImageFile(s.cfg.OutputDir, ImageFilename(s.clock.Now()))
	if err != nil {
		return protocol.NewError(protocol.ErrIO, protocol.CmdGetBuffer, "出力ファイルの作成に失敗", err)
	}

	lastPercent := NoPercent
	written, err := codec.ReadExact(f, n, func(done, total int64) {
		percent := int(done * 100 / total)
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		emit(Progress{Kind: ProgressTransfer, Bytes: done, Percent: percent, File: path})
	})
	closeErr := f.Close()
	s.metrics.AddBytes("image", written)

	if err != nil {
		_ = os.Remove(path) // 途中までのファイルは残さない
		return withCommand(err, protocol.CmdGetBuffer)
	}
	if closeErr != nil {
		return protocol.NewError(protocol.ErrIO, protocol.CmdGetBuffer, "出力ファイルのクローズに失敗", closeErr)
	}

	s.logger.Info("画像を保存しました", "file", path, "size", humanize.Bytes(uint64(written)))
	emit(Progress{
		Kind:    ProgressImage,
		Status:  record.Clone(),
		Bytes:   written,
		Percent: 100,
		File:    path,
	})
	return nil
}

// ImageFilename は保存する画像のファイル名を返す
func ImageFilename(t time.Time) string {
	return "pktriggercord_" + t.Format("20060102_150405") + ".dng"
}

// maxNameSuffix は同名ファイルがある場合に試す連番の上限
const maxNameSuffix = 1000

// createImageFile は既存ファイルを上書きせずに新規作成する
//
// name が使用済みなら拡張子の前に _1, _2, ... を付ける。
func createImageFile(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i <= maxNameSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("%s の空き名が見つかりません", name)
}

// decodePreview はプレビューをデコードし、必要なら maxWidth まで縮小する
func decodePreview(data []byte, maxWidth int) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img, nil
	}

	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// nullAnswer は応答が得られなかった場合のエラーに変換する
func nullAnswer(cmd protocol.Command, err error) error {
	if errors.Is(err, io.EOF) {
		return protocol.NewError(protocol.ErrProtocol, cmd, "answer null", nil)
	}
	return err
}

// withCommand はコマンド未設定のプロトコルエラーにコマンドを付与する
func withCommand(err error, cmd protocol.Command) error {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Command == "" {
		perr.Command = cmd
	}
	return err
}

// teardown は読み込み側・書き込み側の順に半クローズしてから接続を閉じる
func teardown(conn net.Conn) error {
	var errs []error

	if hc, ok := conn.(interface {
		CloseRead() error
		CloseWrite() error
	}); ok {
		if err := hc.CloseRead(); !benignCloseError(err) {
			errs = append(errs, fmt.Errorf("CloseRead: %w", err))
		}
		if err := hc.CloseWrite(); !benignCloseError(err) {
			errs = append(errs, fmt.Errorf("CloseWrite: %w", err))
		}
	}
	if err := conn.Close(); !benignCloseError(err) {
		errs = append(errs, fmt.Errorf("Close: %w", err))
	}

	if len(errs) > 0 {
		return protocol.NewError(protocol.ErrTeardown, "", "切断に失敗", errors.Join(errs...))
	}
	return nil
}

// benignCloseError は既に閉じている・切断済みの場合を無視する
func benignCloseError(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ENOTCONN)
}

// deadlineConn は読み込みごとにデッドラインを設定する
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}
