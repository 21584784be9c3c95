// =============================================================================
// 文件: internal/rudp/rtt.go
// 描述: 往返时延估算 (RFC 6298 平滑), 只用于观测, 不参与重传定时
// =============================================================================
package rudp

import (
	"sync"
	"time"
)

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTTVAR 平滑因子 (1/4)
)

// RTTStats 往返时延快照; Samples 为 0 时其余字段无意义
type RTTStats struct {
	Smoothed time.Duration
	Variance time.Duration
	Min      time.Duration
	Max      time.Duration
	Latest   time.Duration
	Samples  uint64
}

// rttEstimator 按 Karn 规则采样: 只有未重传过的包被确认时才计入
type rttEstimator struct {
	stats RTTStats
	mu    sync.Mutex
}

func (r *rttEstimator) update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.Latest = sample
	if s.Samples == 0 {
		s.Smoothed = sample
		s.Variance = sample / 2
		s.Min = sample
		s.Max = sample
		s.Samples = 1
		return
	}
	s.Samples++

	if sample < s.Min {
		s.Min = sample
	}
	if sample > s.Max {
		s.Max = sample
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := s.Smoothed - sample
	if diff < 0 {
		diff = -diff
	}
	s.Variance = time.Duration(float64(s.Variance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	s.Smoothed = time.Duration(float64(s.Smoothed)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

func (r *rttEstimator) snapshot() RTTStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
