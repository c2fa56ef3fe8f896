package replay

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultWindow is the accepted clock skew between signer and gateway.
const DefaultWindow = 60 * time.Second

var ErrStale = errors.New("timestamp outside freshness window")

// FreshnessGuard accepts a timestamp iff |now - ts| <= Window.
type FreshnessGuard struct {
	Window time.Duration
	Now    func() time.Time
}

func (g FreshnessGuard) window() time.Duration {
	if g.Window <= 0 {
		return DefaultWindow
	}
	return g.Window
}

func (g FreshnessGuard) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Check validates ts, expressed in seconds since the Unix epoch. The range is
// tested in float seconds first so timestamps beyond what time.Duration can
// represent never reach Sub.
func (g FreshnessGuard) Check(ts float64) error {
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return fmt.Errorf("%w: non-finite timestamp", ErrStale)
	}
	now, w := g.now(), g.window()
	nowSec := float64(now.UnixNano()) / 1e9
	if math.Abs(nowSec-ts) > w.Seconds()+1 {
		return fmt.Errorf("%w: skew %.0fs exceeds %s", ErrStale, math.Abs(nowSec-ts), w)
	}
	t := FromUnixSeconds(ts)
	if t.Before(now.Add(-w)) || t.After(now.Add(w)) {
		return fmt.Errorf("%w: skew %s exceeds %s", ErrStale, now.Sub(t).Abs().Round(time.Millisecond), w)
	}
	return nil
}

// ExpiresAt is the moment after which ts can no longer pass Check, so a
// nonce bound to it may be forgotten.
func (g FreshnessGuard) ExpiresAt(ts float64) time.Time {
	return FromUnixSeconds(ts).Add(g.window() + time.Second)
}

// FromUnixSeconds converts fractional epoch seconds to a time.Time.
func FromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9))
}
