// Package testutil はテスト用の補助機能を提供する
package testutil

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
)

// Step は偽サーバーが期待するコマンドと、それに返す応答
type Step struct {
	Expect string
	Reply  []byte
}

// Line は改行付きの応答行を返す
func Line(s string) []byte {
	return []byte(s + "\n")
}

// Payload は応答行の後ろにバイナリを連結する
func Payload(line string, data []byte) []byte {
	return append(Line(line), data...)
}

// Conn は偽サーバーが受け付けた1接続分の記録
type Conn struct {
	Received string // スクリプト通りに受信したコマンド
	Extra    string // スクリプト終了後に受信したバイト
}

// FakeCamera は台本通りに応答するカメラ制御サーバー
//
// 接続ごとに台本を1つ取り出し、Expect のバイト数だけ読んで照合し Reply を返す。
// 台本が尽きたら書き込み側を閉じ、クライアントの切断まで残りを読み捨てる。
type FakeCamera struct {
	t        testing.TB
	ln       net.Listener
	mu       sync.Mutex
	scripts  [][]Step
	fallback []Step
	conns    []Conn
	wg       sync.WaitGroup
	notify   chan struct{}
}

// NewFakeCamera は 127.0.0.1 の空きポートで偽サーバーを起動する
func NewFakeCamera(t testing.TB, scripts ...[]Step) *FakeCamera {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("偽サーバーの起動に失敗: %v", err)
	}

	f := &FakeCamera{
		t:       t,
		ln:      ln,
		scripts: scripts,
		notify:  make(chan struct{}, 1024),
	}

	f.wg.Add(1)
	go f.acceptLoop()
	t.Cleanup(f.Close)
	return f
}

// Addr は待ち受けアドレスを返す
func (f *FakeCamera) Addr() string {
	return f.ln.Addr().String()
}

// Enqueue は次の接続用の台本を追加する
func (f *FakeCamera) Enqueue(script []Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
}

// SetFallback は台本が尽きた後の接続に使う台本を設定する
func (f *FakeCamera) SetFallback(script []Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = script
}

// Conns は完了した接続の記録を返す
func (f *FakeCamera) Conns() []Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Conn(nil), f.conns...)
}

// Handled は接続が1つ完了するたびに通知されるチャンネルを返す
func (f *FakeCamera) Handled() <-chan struct{} {
	return f.notify
}

// Close は待ち受けを終了し、処理中の接続を待つ
func (f *FakeCamera) Close() {
	_ = f.ln.Close()
	f.wg.Wait()
}

func (f *FakeCamera) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *FakeCamera) nextScript() []Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scripts) == 0 {
		return f.fallback
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]
	return script
}

func (f *FakeCamera) handle(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	var received bytes.Buffer
	for _, step := range f.nextScript() {
		buf := make([]byte, len(step.Expect))
		n, err := io.ReadFull(conn, buf)
		received.Write(buf[:n])
		if err != nil {
			break
		}
		if string(buf) != step.Expect {
			f.t.Errorf("偽サーバー: %q を期待しましたが %q を受信しました", step.Expect, buf)
			break
		}
		if len(step.Reply) > 0 {
			if _, err := conn.Write(step.Reply); err != nil {
				break
			}
		}
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	extra, _ := io.ReadAll(conn)

	f.mu.Lock()
	f.conns = append(f.conns, Conn{Received: received.String(), Extra: string(extra)})
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// StatusScript は connect から bufmask までの標準的な台本を返す
func StatusScript(values map[string]string, fields []string) []Step {
	steps := []Step{
		{Expect: "connect", Reply: Line("0")},
		{Expect: "update_status", Reply: Line("0")},
	}
	for _, field := range fields {
		steps = append(steps, Step{Expect: "get_" + field, Reply: Line("0 " + values[field])})
	}
	return steps
}
