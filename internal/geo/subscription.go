package geo

import "context"

// Subscription is the handle of a continuous watch.
type Subscription struct {
	id     WatchID
	remove func(ctx context.Context, id WatchID) error
}

func newSubscription(id WatchID, remove func(context.Context, WatchID) error) *Subscription {
	return &Subscription{id: id, remove: remove}
}

func (s *Subscription) ID() WatchID { return s.id }

// Remove cancels the watch. The registry entry is dropped before the
// provider is told to stop, so events still in flight are treated as
// orphans. Removing an already removed watch does nothing and returns nil.
func (s *Subscription) Remove(ctx context.Context) error {
	return s.remove(ctx, s.id)
}
