package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/models"
)

// Result is the classified outcome of one HTTP attempt
type Result struct {
	StatusCode *int
	Excerpt    string
	Kind       models.FailureKind
	Err        error
	Duration   time.Duration
}

// Succeeded reports a 2xx response
func (r Result) Succeeded() bool {
	return r.Kind == models.FailureNone && r.StatusCode != nil && *r.StatusCode >= 200 && *r.StatusCode < 300
}

// Permanent reports a failure that needs tenant action to fix
func (r Result) Permanent() bool {
	return r.Kind.Permanent()
}

// ErrorText is the message stored on the attempt
func (r Result) ErrorText() string {
	if r.Kind == models.FailureTimeout {
		return "timeout"
	}
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type httpResponse struct {
	status int
	body   []byte
}

// classify maps the output of a breaker-wrapped request onto a Result.
// Redirects are not followed and count as client errors.
func classify(ctx context.Context, out interface{}, err error, excerptLimit int, duration time.Duration) Result {
	r := Result{Duration: duration}

	if resp, ok := out.(*httpResponse); ok && resp != nil {
		code := resp.status
		r.StatusCode = &code
		r.Excerpt = excerpt(resp.body, excerptLimit)
		switch {
		case code >= 200 && code < 300:
			return r
		case code >= 500:
			r.Kind = models.FailureServerError
		default:
			r.Kind = models.FailureClientError
		}
		r.Err = fmt.Errorf("endpoint responded with status %d", code)
		return r
	}

	if err == nil {
		err = errors.New("no response")
	}
	r.Err = err
	switch {
	case errors.Is(err, ErrCircuitOpen):
		r.Kind = models.FailureCircuitOpen
	case isTimeout(ctx, err):
		r.Kind = models.FailureTimeout
	default:
		r.Kind = models.FailureNetwork
	}
	return r
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// excerpt truncates body to at most limit bytes without splitting a rune.
// Invalid UTF-8 and NUL bytes are dropped so the text can be stored as-is.
func excerpt(body []byte, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(body) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	s := strings.ToValidUTF8(string(body), "")
	return strings.ReplaceAll(s, "\x00", "")
}

// transition is the state change that follows an attempt
type transition struct {
	Outcome     models.AttemptOutcome
	State       models.DeliveryState
	NextRetryAt *time.Time
	CompletedAt *time.Time
}

// nextState decides what follows the latest attempt of del's current chain.
// del.ChainAttempts already counts that attempt. Permanent failures still
// retry; they are flagged for the tenant instead.
func nextState(del *models.Delivery, r Result, cfg *config.DeliveryConfig, now time.Time, jitter float64) transition {
	chainAttempt := del.ChainAttempts
	if r.Succeeded() {
		done := now
		return transition{
			Outcome:     models.AttemptOutcomeSuccess,
			State:       models.DeliveryStateSuccess,
			CompletedAt: &done,
		}
	}
	if chainAttempt >= cfg.MaxAttempts {
		done := now
		return transition{
			Outcome:     models.AttemptOutcomeExhausted,
			State:       models.DeliveryStateExhausted,
			CompletedAt: &done,
		}
	}
	next := now.Add(Backoff(chainAttempt, cfg.BaseBackoff, cfg.MaxBackoff, cfg.JitterFraction, jitter))
	return transition{
		Outcome:     models.AttemptOutcomeFailed,
		State:       models.DeliveryStateRetrying,
		NextRetryAt: &next,
	}
}
