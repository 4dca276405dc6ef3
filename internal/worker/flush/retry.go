package flush

import "time"

const (
	// initialBackoff は再送失敗後の初回の再試行間隔。
	initialBackoff = 30 * time.Second
	// maxBackoff は再試行間隔の上限。
	maxBackoff = 10 * time.Minute
)

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大10分。
func CalculateBackoff(consecutiveFailures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
