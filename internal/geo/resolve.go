package geo

import (
	"context"
	"errors"
	"sync"
)

// Heading acceptance policy for one-shot heading requests. Compass
// accuracy is often poor right after the sensor starts, so a sample is
// accepted once its accuracy exceeds MinHeadingAccuracy or once more than
// MaxHeadingTries samples have been seen, whichever comes first.
const (
	MinHeadingAccuracy = 1
	MaxHeadingTries    = 5
)

// firstSample keeps the first value offered to it. Later offers are
// dropped, so the watch callback never blocks.
type firstSample[T any] struct {
	mu     sync.Mutex
	done   bool
	result chan T
}

func newFirstSample[T any]() *firstSample[T] {
	return &firstSample[T]{result: make(chan T, 1)}
}

func (f *firstSample[T]) offer(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.result <- v
}

// ResolvePosition installs a position watch, returns the first sample it
// delivers and removes the watch. A sample that arrives before the watch
// has finished installing is kept, and the removal happens once
// installation completes. The watch is removed exactly once on every path.
func ResolvePosition(ctx context.Context, positions *PositionChannel, opts WatchOptions) (PositionSample, error) {
	waitCtx := ctx
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout())
		defer cancel()
	}

	first := newFirstSample[PositionSample]()
	sub, err := positions.Watch(waitCtx, opts, first.offer)
	if err != nil {
		return PositionSample{}, timeoutOr(ctx, waitCtx, err)
	}

	var sample PositionSample
	select {
	case sample = <-first.result:
	case <-waitCtx.Done():
		err = timeoutOr(ctx, waitCtx, waitCtx.Err())
	}

	if rerr := sub.Remove(context.WithoutCancel(ctx)); rerr != nil && err == nil {
		err = rerr
	}
	return sample, err
}

// timeoutOr maps the expiry of the request's own timeout to ErrTimeout
// while leaving cancellation of the caller's context untouched.
func timeoutOr(parent, waitCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// headingAcceptor applies the heading acceptance policy to a stream of
// samples and keeps the accepted one.
type headingAcceptor struct {
	mu     sync.Mutex
	tries  int
	done   bool
	result chan HeadingSample
}

func newHeadingAcceptor() *headingAcceptor {
	return &headingAcceptor{result: make(chan HeadingSample, 1)}
}

func (a *headingAcceptor) offer(h HeadingSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.tries++
	if h.Accuracy > MinHeadingAccuracy || a.tries > MaxHeadingTries {
		a.done = true
		a.result <- h
	}
}

func (a *headingAcceptor) wait(ctx context.Context, ended <-chan struct{}) (HeadingSample, error) {
	select {
	case h := <-a.result:
		return h, nil
	case <-ended:
		select {
		case h := <-a.result:
			return h, nil
		default:
			return HeadingSample{}, ErrWatchEnded
		}
	case <-ctx.Done():
		return HeadingSample{}, ctx.Err()
	}
}

// ResolveHeading returns one heading sample chosen by the acceptance
// policy. It listens on the heading channel, joining the active watch when
// there is one and otherwise installing its own, which it removes after
// acceptance. Samples keep counting when the watch is replaced; if the watch
// is removed outright, the request starts over with the tries it has seen.
func ResolveHeading(ctx context.Context, headings *HeadingChannel) (HeadingSample, error) {
	acceptor := newHeadingAcceptor()
	for {
		sample, err := resolveHeadingOnce(ctx, headings, acceptor)
		if errors.Is(err, ErrWatchEnded) && ctx.Err() == nil {
			continue
		}
		return sample, err
	}
}

func resolveHeadingOnce(ctx context.Context, headings *HeadingChannel, acceptor *headingAcceptor) (sample HeadingSample, err error) {
	ended := make(chan struct{})
	var once sync.Once
	detach, joined := headings.join(acceptor.offer, func() { once.Do(func() { close(ended) }) })
	defer detach()

	if !joined {
		sub, werr := headings.Watch(ctx, func(HeadingSample) {})
		if werr != nil {
			return HeadingSample{}, werr
		}
		defer func() {
			if rerr := sub.Remove(context.WithoutCancel(ctx)); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}
	return acceptor.wait(ctx, ended)
}
