// Package runner はセッションを1つずつ直列に実行し、結果を順番通りに通知する
//
// 同時に開くカメラ接続は常に1本以下。投入されたジョブは先着順に実行され、
// 各ジョブの進捗と結果は投入順にSinkへ届けられる。
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"triggercord/internal/logging"
	"triggercord/internal/metrics"
	"triggercord/internal/session"
)

// ErrStopped は停止済みのRunnerにジョブを投入した場合のエラー
var ErrStopped = errors.New("runner is stopped")

// Job はワーカー上で実行される1回分の処理
type Job interface {
	Name() string
	Run(ctx context.Context, emit func(session.Progress)) session.Result
}

// Sink は進捗と結果を受け取る。呼び出しは常に配送用の1ゴルーチンから行われる
type Sink interface {
	OnProgress(job string, p session.Progress)
	OnResult(job string, r session.Result)
}

// Handle は投入したジョブの完了を待つためのハンドル
type Handle struct {
	name   string
	done   chan struct{}
	result session.Result
}

// Name はジョブ名を返す
func (h *Handle) Name() string {
	return h.name
}

// Done は結果がSinkへ届いた時点で閉じられるチャンネルを返す
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait は結果がSinkへ届くまで待つ
func (h *Handle) Wait(ctx context.Context) (session.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return session.Result{}, ctx.Err()
	}
}

type task struct {
	job    Job
	handle *Handle
}

type event struct {
	job      string
	progress *session.Progress
	result   *session.Result
	handle   *Handle
}

// Runner は単一ワーカーのジョブ実行器
type Runner struct {
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	queue    []task
	events   []event
	stopped  bool
	started  bool
	workCh   chan struct{}
	eventCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	sinkWg   sync.WaitGroup
}

// Option はRunnerの任意設定
type Option func(*Runner)

// WithLogger はロガーを指定する
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics はメトリクスの記録先を指定する
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = m }
}

// New は新しいRunnerを作成する。sink が nil の場合は通知を捨てる
func New(sink Sink, opts ...Option) *Runner {
	r := &Runner{
		sink:    sink,
		workCh:  make(chan struct{}, 1),
		eventCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Or(r.logger).WithComponent("runner")
	return r
}

// Start はワーカーと配送用ゴルーチンを起動する
//
// ctx はジョブに渡すコンテキストの親になる。
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return fmt.Errorf("runner は既に起動しています")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.workerWg.Add(1)
	go r.work()
	r.sinkWg.Add(1)
	go r.deliver()
	return nil
}

// Submit はジョブを待ち行列の末尾に追加する。ブロックしない
func (r *Runner) Submit(job Job) (*Handle, error) {
	h := &Handle{name: job.Name(), done: make(chan struct{})}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	r.queue = append(r.queue, task{job: job, handle: h})
	depth := len(r.queue)
	r.mu.Unlock()

	r.metrics.SetQueueDepth(depth)
	notify(r.workCh)
	r.logger.Debug("ジョブを投入しました", "job", h.name, "queue", depth)
	return h, nil
}

// Pending は実行待ちのジョブ数を返す
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stop は新規投入を止め、待ち行列が空になり全結果が配送されるまで待つ
//
// ctx が先に終了した場合は実行中のジョブをキャンセルし ctx.Err() を返す。
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}
	notify(r.workCh)

	done := make(chan struct{})
	go func() {
		r.workerWg.Wait()
		r.mu.Lock()
		close(r.eventCh)
		r.mu.Unlock()
		r.sinkWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// work は待ち行列からジョブを1つずつ取り出して実行する
func (r *Runner) work() {
	defer r.workerWg.Done()

	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			if r.stopped {
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			<-r.workCh
			continue
		}
		t := r.queue[0]
		r.queue[0] = task{}
		r.queue = r.queue[1:]
		depth := len(r.queue)
		r.mu.Unlock()

		r.metrics.SetQueueDepth(depth)
		r.runTask(t)
	}
}

// runTask はジョブを実行し、パニックを失敗結果に変換する
func (r *Runner) runTask(t task) {
	name := t.handle.name
	result := func() (result session.Result) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("ジョブがパニックしました", "job", name, "panic", p)
				result = session.Failure(fmt.Errorf("job %s panicked: %v", name, p))
			}
		}()
		return t.job.Run(r.ctx, func(p session.Progress) {
			r.publish(event{job: name, progress: &p})
		})
	}()
	r.publish(event{job: name, result: &result, handle: t.handle})
}

func (r *Runner) publish(ev event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	notify(r.eventCh)
}

// deliver は通知を発生順にSinkへ渡す
func (r *Runner) deliver() {
	defer r.sinkWg.Done()

	for {
		r.mu.Lock()
		pending := r.events
		r.events = nil
		r.mu.Unlock()

		for _, ev := range pending {
			r.dispatch(ev)
		}
		if len(pending) > 0 {
			continue
		}

		if _, ok := <-r.eventCh; !ok {
			r.mu.Lock()
			rest := r.events
			r.events = nil
			r.mu.Unlock()
			for _, ev := range rest {
				r.dispatch(ev)
			}
			return
		}
	}
}

func (r *Runner) dispatch(ev event) {
	if r.sink != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("通知先がパニックしました", "job", ev.job, "panic", p)
				}
			}()
			if ev.progress != nil {
				r.sink.OnProgress(ev.job, *ev.progress)
			} else {
				r.sink.OnResult(ev.job, *ev.result)
			}
		}()
	}
	if ev.handle != nil {
		ev.handle.result = *ev.result
		close(ev.handle.done)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
