package interpreter

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/senseyeio/duration"

	"github.com/lyzr/flowengine/internal/node"
)

// parseDuration parses an ISO-8601 duration the same way internal/parser
// does for the static DSL document (senseyeio/duration, folded to a
// time.Duration by shifting a fixed reference instant), reused here for
// Wait's duration field which is itself evaluated at run time rather than
// parse time.
func parseDuration(s string) (time.Duration, error) {
	d, err := duration.ParseISO8601(s)
	if err != nil {
		return 0, fmt.Errorf("parse ISO-8601 duration %q: %w", s, err)
	}
	ref := time.Unix(0, 0).UTC()
	return d.Shift(ref).Sub(ref), nil
}

// backoff computes the delay before the next retry attempt:
// `min(cap, base * multiplier^attempt) + uniform(jitterFrom, jitterTo)`.
// attempt is zero-based: the delay before the first retry uses attempt=0.
func backoff(rp *node.RetryPolicy, attempt int) time.Duration {
	base := float64(rp.Base)
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= rp.Multiplier
	}
	if capMs := float64(rp.Cap); capMs > 0 && delay > capMs {
		delay = capMs
	}

	var jitter time.Duration
	if rp.JitterTo != nil {
		from := time.Duration(0)
		if rp.JitterFrom != nil {
			from = *rp.JitterFrom
		}
		to := *rp.JitterTo
		if to > from {
			jitter = from + time.Duration(rand.Int63n(int64(to-from)))
		} else {
			jitter = from
		}
	}

	return time.Duration(delay) + jitter
}
