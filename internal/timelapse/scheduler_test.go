package timelapse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggercord/internal/clock"
	"triggercord/internal/logging"
	"triggercord/internal/protocol"
	"triggercord/internal/runner"
	"triggercord/internal/session"
)

// cmdJob はコマンドだけを持つテスト用ジョブ
type cmdJob struct {
	cmd protocol.Command
}

func (j cmdJob) Name() string { return string(j.cmd) }

func (j cmdJob) Run(ctx context.Context, emit func(session.Progress)) session.Result {
	return session.None()
}

// fakeSubmitter は投入されたジョブのコマンドをチャンネルに流す
type fakeSubmitter struct {
	jobs chan protocol.Command
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{jobs: make(chan protocol.Command, 100)}
}

func (f *fakeSubmitter) Submit(job runner.Job) (*runner.Handle, error) {
	f.jobs <- job.(cmdJob).cmd
	return nil, nil
}

func (f *fakeSubmitter) next(t *testing.T) protocol.Command {
	t.Helper()
	select {
	case cmd := <-f.jobs:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("ジョブが投入されません")
		return ""
	}
}

func (f *fakeSubmitter) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case cmd := <-f.jobs:
		t.Fatalf("予期しないジョブが投入されました: %q", cmd)
	case <-time.After(wait):
	}
}

// awakeRecorder はスリープ抑止ヒントの変化を記録する
type awakeRecorder struct {
	mu     sync.Mutex
	values []bool
}

func (a *awakeRecorder) SetKeepAwake(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = append(a.values, on)
}

func (a *awakeRecorder) get() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.values...)
}

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *fakeSubmitter, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(epoch)
	sub := newFakeSubmitter()
	opts = append([]Option{WithClock(clk), WithLogger(logging.Discard())}, opts...)
	s := NewScheduler(sub, func(cmd protocol.Command) runner.Job { return cmdJob{cmd: cmd} }, opts...)
	t.Cleanup(s.Close)
	return s, sub, clk
}

func TestTick(t *testing.T) {
	now := epoch.Add(time.Minute)

	testCases := []struct {
		name       string
		in         Schedule
		wantAction Action
		wantRun    int
		wantDone   bool
	}{
		{
			name:       "連続撮影の途中",
			in:         Schedule{RunIndex: 0, TotalRuns: 3, Period: 2 * time.Second, Command: protocol.CmdShutter},
			wantAction: ActionBurst,
			wantRun:    1,
		},
		{
			name:       "連続撮影の最後",
			in:         Schedule{RunIndex: 2, TotalRuns: 3, Period: 2 * time.Second, Command: protocol.CmdShutter},
			wantAction: ActionBurst,
			wantRun:    3,
			wantDone:   true,
		},
		{
			name:       "1回だけのコマンド",
			in:         Schedule{TotalRuns: 1, Command: protocol.CmdFocus},
			wantAction: ActionSingle,
			wantRun:    1,
			wantDone:   true,
		},
		{
			name:       "無制限のステータス取得",
			in:         Schedule{RunIndex: 41, Period: 5 * time.Second},
			wantAction: ActionPoll,
			wantRun:    42,
		},
		{
			name:       "1回だけのステータス取得",
			in:         Schedule{TotalRuns: 1},
			wantAction: ActionPoll,
			wantRun:    1,
			wantDone:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			next, action, done := Tick(tc.in, now)

			assert.Equal(t, tc.wantAction, action)
			assert.Equal(t, tc.wantRun, next.RunIndex)
			assert.Equal(t, tc.wantDone, done)
			if tc.wantDone {
				assert.True(t, next.NextDeadline.IsZero())
			} else {
				assert.Equal(t, now.Add(tc.in.Period), next.NextDeadline)
			}
			assert.Equal(t, tc.in.Period, next.Period)
			assert.Equal(t, tc.in.Command, next.Command)
		})
	}
}

func TestTick_RunIndexNeverExceedsTotal(t *testing.T) {
	s := Schedule{TotalRuns: 4, Period: time.Second, Command: protocol.CmdShutter}
	for i := 0; i < 4; i++ {
		var done bool
		s, _, done = Tick(s, epoch)
		assert.LessOrEqual(t, s.RunIndex, s.TotalRuns)
		assert.Equal(t, i == 3, done)
	}
}

func TestResumeDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), ResumeDelay(epoch.Add(3*time.Second), epoch.Add(4*time.Second)))
	assert.Equal(t, 2*time.Second, ResumeDelay(epoch.Add(6*time.Second), epoch.Add(4*time.Second)))
	assert.Equal(t, time.Duration(0), ResumeDelay(time.Time{}, epoch))
}

func TestScheduler_RestoreResumesRunIndex(t *testing.T) {
	s, sub, clk := newTestScheduler(t)

	// T+3s が期限のスナップショットを T+4s に復元する
	clk.Set(epoch.Add(4 * time.Second))
	ids, err := s.Restore([]Schedule{{
		ID:           "burst-1",
		RunIndex:     2,
		TotalRuns:    5,
		NextDeadline: epoch.Add(3 * time.Second),
		Period:       5 * time.Second,
		Command:      protocol.CmdShutter,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"burst-1"}, ids)

	assert.Equal(t, protocol.CmdShutter, sub.next(t))

	require.Eventually(t, func() bool {
		sc, ok := s.Get("burst-1")
		return ok && sc.RunIndex == 3
	}, time.Second, 5*time.Millisecond)

	sc, _ := s.Get("burst-1")
	assert.Equal(t, 5, sc.TotalRuns)
	assert.Equal(t, epoch.Add(9*time.Second), sc.NextDeadline)
	assert.Equal(t, 2, sc.Remaining())
}

func TestScheduler_RestoreSkipsFinished(t *testing.T) {
	s, sub, _ := newTestScheduler(t)

	ids, err := s.Restore([]Schedule{
		{ID: "done", RunIndex: 3, TotalRuns: 3, Period: time.Second, Command: protocol.CmdShutter},
		{ID: "poll", Period: time.Second},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, s.Len())
	sub.expectNone(t, 50*time.Millisecond)
}

func TestScheduler_BurstRunsToCompletion(t *testing.T) {
	awake := &awakeRecorder{}
	s, sub, clk := newTestScheduler(t, WithKeepAwake(awake))

	id, err := s.StartBurst(3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, s.KeepAwakeActive())

	assert.Equal(t, protocol.CmdShutter, sub.next(t))
	for i := 0; i < 2; i++ {
		clk.Advance(10 * time.Millisecond)
		assert.Equal(t, protocol.CmdShutter, sub.next(t))
	}
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := s.Get(id)
	assert.False(t, ok)
	assert.False(t, s.KeepAwakeActive())
	assert.Equal(t, []bool{true, false}, awake.get())
	sub.expectNone(t, 50*time.Millisecond)
}

func TestScheduler_CancelStopsFutureTicks(t *testing.T) {
	s, sub, clk := newTestScheduler(t)

	id, err := s.StartPoll(80 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.Command(""), sub.next(t))

	require.NoError(t, s.Cancel(id))
	clk.Advance(time.Second)
	sub.expectNone(t, 20*time.Millisecond)
	assert.Equal(t, 0, clk.Pending())

	assert.ErrorIs(t, s.Cancel(id), ErrNotFound)
}

func TestScheduler_PollDoesNotHoldKeepAwake(t *testing.T) {
	awake := &awakeRecorder{}
	s, _, _ := newTestScheduler(t, WithKeepAwake(awake))

	_, err := s.Start(Params{Period: time.Hour, InitialDelay: time.Hour})
	require.NoError(t, err)
	_, err = s.Start(Params{TotalRuns: 1, Command: protocol.CmdFocus, InitialDelay: time.Hour})
	require.NoError(t, err)
	assert.False(t, s.KeepAwakeActive())

	burst, err := s.Start(Params{TotalRuns: 3, Period: time.Second, Command: protocol.CmdShutter, InitialDelay: time.Hour})
	require.NoError(t, err)
	assert.True(t, s.KeepAwakeActive())

	require.NoError(t, s.Cancel(burst))
	assert.False(t, s.KeepAwakeActive())
	assert.Equal(t, []bool{true, false}, awake.get())
}

func TestScheduler_CountdownAndSnapshot(t *testing.T) {
	s, _, clk := newTestScheduler(t)

	burst, err := s.Start(Params{TotalRuns: 5, InitialDelay: time.Hour, Period: 2 * time.Second, Command: protocol.CmdShutter})
	require.NoError(t, err)
	_, err = s.Start(Params{InitialDelay: 2 * time.Hour, Period: time.Minute})
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	cd := s.Countdown()
	require.Len(t, cd, 2)

	assert.Equal(t, burst, cd[0].ID)
	assert.Equal(t, ActionBurst, cd[0].Action)
	assert.Equal(t, 5, cd[0].RemainingRuns)
	assert.Equal(t, 45*time.Minute, cd[0].RemainingTime)

	assert.Equal(t, ActionPoll, cd[1].Action)
	assert.Equal(t, -1, cd[1].RemainingRuns)
	assert.Equal(t, 105*time.Minute, cd[1].RemainingTime)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, burst, snap[0].ID)
	assert.Equal(t, epoch.Add(time.Hour), snap[0].NextDeadline)
}

func TestScheduler_StartValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	invalid := []Params{
		{TotalRuns: -1},
		{TotalRuns: 3, StartRunIndex: 3, Period: time.Second, Command: protocol.CmdShutter},
		{TotalRuns: 3, Command: protocol.CmdShutter},
		{Period: time.Second, Command: protocol.CmdShutter},
		{},
		{TotalRuns: 1, Command: protocol.CmdShutter, InitialDelay: -time.Second},
	}
	for _, p := range invalid {
		_, err := s.Start(p)
		assert.Error(t, err, "%+v", p)
	}
	assert.Equal(t, 0, s.Len())

	_, err := s.Fire("")
	assert.Error(t, err)
}

func TestScheduler_FireAndPollOnce(t *testing.T) {
	s, sub, _ := newTestScheduler(t)

	_, err := s.Fire(protocol.CmdFocus)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdFocus, sub.next(t))

	_, err = s.PollOnce()
	require.NoError(t, err)
	assert.Equal(t, protocol.Command(""), sub.next(t))

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Close(t *testing.T) {
	s, sub, clk := newTestScheduler(t)

	_, err := s.Start(Params{Period: 10 * time.Millisecond, InitialDelay: 20 * time.Millisecond})
	require.NoError(t, err)
	s.Close()

	_, err = s.StartPoll(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	clk.Advance(time.Second)
	sub.expectNone(t, 20*time.Millisecond)
}

func TestScheduler_TimersFollowClock(t *testing.T) {
	s, sub, clk := newTestScheduler(t)

	id, err := s.Start(Params{TotalRuns: 3, InitialDelay: time.Hour, Period: 2 * time.Second, Command: protocol.CmdShutter})
	require.NoError(t, err)

	// 実時間が経っても発火しない
	sub.expectNone(t, 50*time.Millisecond)

	clk.Advance(59 * time.Minute)
	sub.expectNone(t, 10*time.Millisecond)
	cd := s.Countdown()
	require.Len(t, cd, 1)
	assert.Equal(t, time.Minute, cd[0].RemainingTime)

	clk.Advance(time.Minute)
	assert.Equal(t, protocol.CmdShutter, sub.next(t))

	sc, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, sc.RunIndex)
	assert.Equal(t, epoch.Add(time.Hour+2*time.Second), sc.NextDeadline)

	cd = s.Countdown()
	require.Len(t, cd, 1)
	assert.Equal(t, 2*time.Second, cd[0].RemainingTime)

	clk.Advance(time.Second)
	sub.expectNone(t, 10*time.Millisecond)
	clk.Advance(time.Second)
	assert.Equal(t, protocol.CmdShutter, sub.next(t))
	clk.Advance(2 * time.Second)
	assert.Equal(t, protocol.CmdShutter, sub.next(t))

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, clk.Pending())
}
