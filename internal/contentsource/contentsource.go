// Package contentsource declares the seam between the repository engine
// and the host application's own user/content store. Everything here is
// an interface: the engine never assumes a schema, a database, or even
// that posts and comments are the same kind of row. Dispatcher and
// Poller depend only on these interfaces; a real embedder supplies its
// own implementation backed by whatever store it already has.
package contentsource

import "context"

// Author identifies the remote actor behind an incoming interaction.
type Author struct {
	DID    string
	Handle string
}

// Item is one piece of host content the source can list or look up by
// key — a post, a comment, whatever the embedder's schema calls it.
type Item struct {
	Key       string
	AuthorDID string
	CreatedAt string
}

// Lister exposes paginated enumeration of host content, the shape the
// Relay Poller and any future sync surface would walk.
type Lister interface {
	List(ctx context.Context, limit int, cursor string) (items []Item, nextCursor string, err error)
}

// Lookup resolves a host-local key (e.g. the rkey of a locally authored
// post) to the item it names, or reports it does not exist.
type Lookup interface {
	GetByKey(ctx context.Context, key string) (Item, bool, error)
}

// StatusNotifier is told when a host item's publication status changes,
// e.g. taken down, so the repository layer can react without owning the
// moderation decision itself.
type StatusNotifier interface {
	OnStatusChange(ctx context.Context, key string, status string) error
}

// Interactions is the sink for like/repost counts keyed by the local
// record they target, per the Dispatcher's app.bsky.feed.like/repost
// handling.
type Interactions interface {
	Like(ctx context.Context, targetKey string, author Author) error
	Unlike(ctx context.Context, targetKey string, author Author) error
	Repost(ctx context.Context, targetKey string, author Author) error
	Unrepost(ctx context.Context, targetKey string, author Author) error
}

// Followers is the sink for the local DID's follower set, per the
// Dispatcher's app.bsky.graph.follow handling.
type Followers interface {
	Add(ctx context.Context, author Author) error
	Remove(ctx context.Context, author Author) error
}

// Replies is the sink for remote replies to local posts, per the
// Dispatcher's app.bsky.feed.post handling.
type Replies interface {
	Store(ctx context.Context, rootKey string, parentKey string, author Author, text string, createdAt string) error
}

// Source bundles the full set a Dispatcher needs. An embedder that only
// cares about some of these can still satisfy Source by composing a
// no-op implementation for the rest.
type Source interface {
	Lister
	Lookup
	StatusNotifier
	Interactions
	Followers
	Replies
}
