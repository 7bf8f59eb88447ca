// Package common holds the handful of dependency-light helpers shared
// across the proxychains packages: integer helpers and rate limiter
// composition.
package common

import (
	"context"

	"golang.org/x/time/rate"
)

func Max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// MultiLimiter composes limiters; nil entries are ignored. WaitN blocks on
// each in turn, so the slowest limiter governs overall throughput.
type MultiLimiter []*rate.Limiter

func (ml MultiLimiter) WaitN(ctx context.Context, n int) error {
	for _, l := range ml {
		if l == nil {
			continue
		}
		if err := l.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func Compose(lims ...*rate.Limiter) MultiLimiter {
	out := make(MultiLimiter, 0, len(lims))
	for _, l := range lims {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}
