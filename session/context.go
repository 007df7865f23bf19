package session

import "context"

type storeKey struct{}

// WithStore returns a context carrying the store of the conversation a turn
// is running for. In-process tools use it to reach conversation state.
func WithStore(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

// FromContext returns the store carried by ctx, if any.
func FromContext(ctx context.Context) (*Store, bool) {
	s, ok := ctx.Value(storeKey{}).(*Store)
	return s, ok && s != nil
}
