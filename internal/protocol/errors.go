package protocol

import "fmt"

// Kind はエラーの分類。errors.Is の比較対象としても使える
type Kind string

func (k Kind) Error() string { return string(k) }

// エラー分類の定数定義
const (
	ErrConnect           Kind = "connect failure"
	ErrProtocol          Kind = "protocol failure"
	ErrTransferShortfall Kind = "transfer shortfall"
	ErrParse             Kind = "parse failure"
	ErrIO                Kind = "io failure"
	ErrTeardown          Kind = "teardown failure"
)

// Error はカメラ制御プロトコルのエラー
type Error struct {
	Kind    Kind
	Command Command // 失敗したコマンド（不明な場合は空）
	Message string  // 利用者に表示するメッセージ
	Err     error   // 下位のエラー
}

// NewError は分類付きのエラーを作成する
func NewError(kind Kind, cmd Command, message string, err error) *Error {
	return &Error{Kind: kind, Command: cmd, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is は同じ分類のKindと一致する
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}
