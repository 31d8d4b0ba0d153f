package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Limiter decides whether subject may perform one more request.
type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter for the Retry-After header. A rejected
// request always waits at least one second.
func (d Decision) RetryAfterSeconds() int {
	return max(1, int(d.RetryAfter.Round(time.Second).Seconds()))
}

const anonymousSubject = "anonymous"

// Subject builds the bucket key for a caller on a route. Callers without an
// id share the anonymous bucket for that route.
func Subject(userID, route string) string {
	return normalizeSubject(userID) + ":" + route
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return anonymousSubject
	}
	return subject
}
