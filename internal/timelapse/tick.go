package timelapse

import "time"

// Classify はスケジュールの種類を判定する
func Classify(s Schedule) Action {
	switch {
	case s.Command == "":
		return ActionPoll
	case s.TotalRuns == 1:
		return ActionSingle
	default:
		return ActionBurst
	}
}

// Tick はスケジュールを1回分進める
//
// 実行回数を増やし、残りがあれば次回時刻を now+Period に更新する。
// 上限回数に達した場合は done を返す。無制限のスケジュールは終了しない。
func Tick(s Schedule, now time.Time) (next Schedule, action Action, done bool) {
	action = Classify(s)
	next = s
	next.RunIndex++

	if next.Bounded() && next.RunIndex >= next.TotalRuns {
		next.RunIndex = next.TotalRuns
		next.NextDeadline = time.Time{}
		return next, action, true
	}

	next.NextDeadline = now.Add(next.Period)
	return next, action, false
}

// ResumeDelay は再開時の初回待ち時間 max(0, deadline-now) を返す
func ResumeDelay(deadline, now time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	return max(0, deadline.Sub(now))
}
