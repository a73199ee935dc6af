// README: Outbound transport contracts plus fanout and retry decorators.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coursier/internal/logging"
)

var ErrNetworkUnavailable = errors.New("network unavailable")

type Publisher interface {
	PublishLocation(ctx context.Context, msg LocationMessage) error
	PublishStatus(ctx context.Context, msg StatusUpdate) error
}

type OfferNotifier interface {
	NotifyOffer(ctx context.Context, offer OrderOffer) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) PublishLocation(context.Context, LocationMessage) error { return nil }
func (Nop) PublishStatus(context.Context, StatusUpdate) error      { return nil }
func (Nop) NotifyOffer(context.Context, OrderOffer) error          { return nil }

// Fanout delivers each message to every publisher and joins the errors.
type Fanout []Publisher

func (f Fanout) PublishLocation(ctx context.Context, msg LocationMessage) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishLocation(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishStatus(ctx context.Context, msg StatusUpdate) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishStatus(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notifiers pushes each offer through every notifier.
type Notifiers []OfferNotifier

func (n Notifiers) NotifyOffer(ctx context.Context, offer OrderOffer) error {
	var errs []error
	for _, x := range n {
		if err := x.NotifyOffer(ctx, offer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retrying retries failed publishes with exponential backoff. Once the
// attempts are spent the last error is returned wrapped in
// ErrNetworkUnavailable; callers never roll back engine state on it.
type Retrying struct {
	next     Publisher
	attempts int
	base     time.Duration
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetrying(next Publisher, attempts int, base time.Duration, log *slog.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{next: next, attempts: attempts, base: base, log: logging.OrNop(log), sleep: sleepCtx}
}

func (r *Retrying) PublishLocation(ctx context.Context, msg LocationMessage) error {
	return r.do(ctx, "location", func() error { return r.next.PublishLocation(ctx, msg) })
}

func (r *Retrying) PublishStatus(ctx context.Context, msg StatusUpdate) error {
	return r.do(ctx, "status", func() error { return r.next.PublishStatus(ctx, msg) })
}

func (r *Retrying) do(ctx context.Context, kind string, fn func() error) error {
	var err error
	delay := r.base
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		r.log.Warn("publish failed, retrying", "kind", kind, "attempt", attempt, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w: %v", ErrNetworkUnavailable, serr)
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
