// Package provider abstracts the concrete positioning technologies behind a
// single capability interface and arbitrates between them.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldtracker/internal/geo"
)

// Source is one concrete positioning technology.
//
// Current blocks until a fix is available, the context is cancelled, or the
// source decides it cannot produce one (returning a geo sentinel error).
// Watch starts a fresh continuous stream; the returned channel is closed
// when the context is cancelled. Each Watch call is independent, so a
// stream can be restarted after cancellation. Close releases any native
// resources and is idempotent.
type Source interface {
	Name() string
	Current(ctx context.Context) (geo.Sample, error)
	Watch(ctx context.Context, interval time.Duration) (<-chan geo.Sample, error)
	Close() error
}

// Strategy selects which source handles a request.
type Strategy int32

const (
	StrategyAuto Strategy = iota
	StrategyPrimaryOnly
	StrategySecondaryOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyPrimaryOnly:
		return "primary_only"
	case StrategySecondaryOnly:
		return "secondary_only"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return StrategyAuto, nil
	case "primary", "primary_only":
		return StrategyPrimaryOnly, nil
	case "secondary", "secondary_only":
		return StrategySecondaryOnly, nil
	default:
		return StrategyAuto, fmt.Errorf("unknown strategy %q", s)
	}
}
