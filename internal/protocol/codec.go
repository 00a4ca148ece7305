package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// chunkSize はバイナリ転送時の1回の読み込み上限
const chunkSize = 16 * 1024

// ProgressFunc は転送の進捗を通知する（done: 読み込み済みバイト数, total: 宣言長）
type ProgressFunc func(done, total int64)

// Codec は1本の接続上でコマンド送信と応答受信を行う
type Codec struct {
	rw io.ReadWriter
}

// NewCodec は新しいCodecを作成する
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// SendCommand はコマンドを区切り文字なしでそのまま書き込む
func (c *Codec) SendCommand(cmd Command) error {
	if _, err := io.WriteString(c.rw, string(cmd)); err != nil {
		return NewError(ErrIO, cmd, "コマンドの送信に失敗", err)
	}
	return nil
}

// ReadLine は改行またはストリーム終端まで1バイトずつ読み込む
//
// 終端に達した場合は蓄積済みの内容を返す。何も読めずに終端した場合のみ io.EOF を返す。
func (c *Codec) ReadLine() (string, error) {
	var line bytes.Buffer
	var b [1]byte

	for {
		_, err := io.ReadFull(c.rw, b[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line.Len() == 0 {
					return "", io.EOF
				}
				return line.String(), nil
			}
			return line.String(), NewError(ErrIO, "", "応答の読み込みに失敗", err)
		}
		if b[0] == '\n' {
			return line.String(), nil
		}
		line.WriteByte(b[0])
	}
}

// ReadExact は length バイトちょうどを w に書き出す
//
// 部分読み込みを繰り返し、読み込みごとに progress を呼ぶ。宣言長に届く前に
// ストリームが終端した場合は読めた分のバイト数と ErrTransferShortfall を返す。
func (c *Codec) ReadExact(w io.Writer, length int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, min(length, chunkSize))
	var total int64

	for total < length {
		want := min(length-total, int64(len(buf)))
		n, err := c.rw.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, NewError(ErrIO, "", "転送データの書き込みに失敗", werr)
			}
			total += int64(n)
		}
		if progress != nil {
			progress(total, length)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, NewError(ErrIO, "", "転送データの読み込みに失敗", err)
		}
	}

	if total < length {
		return total, NewError(ErrTransferShortfall, "",
			fmt.Sprintf("転送が途中で終了しました (%d/%d バイト)", total, length), nil)
	}
	return total, nil
}

// ReadPayload は length バイトをメモリ上に読み込む
func (c *Codec) ReadPayload(length int64, progress ProgressFunc) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(length, 1<<20)))
	_, err := c.ReadExact(&buf, length, progress)
	return buf.Bytes(), err
}

// Exchange はコマンドを送信して応答行を1行読む
func (c *Codec) Exchange(cmd Command) (string, error) {
	if err := c.SendCommand(cmd); err != nil {
		return "", err
	}
	line, err := c.ReadLine()
	var perr *Error
	if errors.As(err, &perr) && perr.Command == "" {
		perr.Command = cmd
	}
	return line, err
}

// ParseLength は "<status> <integer>" 形式の応答行から長さを取り出す
func ParseLength(line string) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, NewError(ErrParse, "", fmt.Sprintf("長さが含まれていません: %q", line), nil)
	}

	n, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0, NewError(ErrParse, "", fmt.Sprintf("無効な長さ: %q", fields[1]), err)
	}
	if n < 0 {
		return 0, NewError(ErrParse, "", fmt.Sprintf("負の長さ: %d", n), nil)
	}
	return n, nil
}
