package hosting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v66/github"
)

// BackoffPolicy bounds the retries applied to every hosting call.
// It is configuration, not a scattered constant: the server wires it from
// its config, tests shrink it to keep runs fast.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
		MaxRetries:      4,
	}
}

func (p BackoffPolicy) next(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// retry runs fn under the policy. Transient failures are retried; anything
// else fails immediately. A transient failure that survives the budget is
// reported as ErrUnavailable.
func retry(ctx context.Context, p BackoffPolicy, fn func() error) error {
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.next(ctx))
	if err != nil && transient(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// transient reports whether err is worth retrying: network failures,
// rate limits, and server-side errors from the hosting service.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		return code == 429 || code >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
