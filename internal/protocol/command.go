// Package protocol はカメラ制御サーバーとの行指向プロトコルを扱う
//
// コマンドは区切り文字なしの生バイトとして送信し、応答は改行(0x0A)区切りで受信する。
// バッファ転送では、長さを含む応答行の直後に宣言された長さのバイナリが続く。
package protocol

// Command はサーバーへ送るコマンドトークン
type Command string

// コマンドの定数定義
const (
	CmdConnect          Command = "connect"
	CmdUpdateStatus     Command = "update_status"
	CmdGetPreviewBuffer Command = "get_preview_buffer"
	CmdGetBuffer        Command = "get_buffer"
	CmdDeleteBuffer     Command = "delete_buffer"
	CmdFocus            Command = "focus"
	CmdShutter          Command = "shutter"
	CmdStopServer       Command = "stopserver"
)

// GetField は get_<field> コマンドを返す
func GetField(field string) Command {
	return Command("get_" + field)
}

// SuccessMarker は成功応答の先頭文字
const SuccessMarker = '0'

// IsSuccess は応答行が成功を示すか判定する
func IsSuccess(line string) bool {
	return len(line) > 0 && line[0] == SuccessMarker
}

// FieldValue は get_<field> の応答から値を取り出す（先頭2文字を除去）
func FieldValue(line string) string {
	if len(line) < 2 {
		return ""
	}
	return line[2:]
}
