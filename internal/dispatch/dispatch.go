// Package dispatch classifies an incoming federated record by its
// $type and forwards it to the appropriate contentsource.Source sink.
// The shape mirrors the teacher's rbac.Can: a flat, exhaustive switch
// over a closed set of cases rather than a registry, because the set of
// record types the Dispatcher understands is fixed by the spec it
// implements, not pluggable.
package dispatch

import (
	"context"
	"fmt"
	"regexp"

	"github.com/atweave/pds/internal/contentsource"
)

// Kind names the record shapes the Dispatcher recognizes.
type Kind string

const (
	KindLike    Kind = "like"
	KindRepost  Kind = "repost"
	KindFollow  Kind = "follow"
	KindPost    Kind = "post"
	KindIgnored Kind = "ignored"
)

const (
	typeLike   = "app.bsky.feed.like"
	typeRepost = "app.bsky.feed.repost"
	typeFollow = "app.bsky.graph.follow"
	typePost   = "app.bsky.feed.post"
)

var atURIPattern = regexp.MustCompile(`^at://([^/]+)/([^/]+)/([^/]+)$`)

// ParsedURI is an at://did/collection/rkey reference broken into parts.
type ParsedURI struct {
	DID        string
	Collection string
	Rkey       string
}

// ParseATURI parses an at:// URI, the form every target_uri and
// reply.root.uri the Dispatcher sees arrives in.
func ParseATURI(uri string) (ParsedURI, error) {
	m := atURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return ParsedURI{}, fmt.Errorf("dispatch: malformed at-uri: %s", uri)
	}
	return ParsedURI{DID: m[1], Collection: m[2], Rkey: m[3]}, nil
}

// Classify reports which Kind record belongs to, by its $type field.
// Anything not in the recognized set is KindIgnored, never an error.
func Classify(record map[string]any) Kind {
	t, _ := record["$type"].(string)
	switch t {
	case typeLike:
		return KindLike
	case typeRepost:
		return KindRepost
	case typeFollow:
		return KindFollow
	case typePost:
		return KindPost
	default:
		return KindIgnored
	}
}

// Dispatcher routes incoming records onto a content source, per
// §4.12's four recognized $types.
type Dispatcher struct {
	localDID string
	source   contentsource.Source
}

// New builds a Dispatcher for localDID. Like and repost targets not
// rooted at localDID are rejected with an error; follows whose subject
// is another DID and replies whose root post is not local are ignored.
func New(localDID string, source contentsource.Source) *Dispatcher {
	return &Dispatcher{localDID: localDID, source: source}
}

// Dispatch classifies record and forwards it to the matching sink.
// undo is true for a delete/undo of a previously dispatched like,
// repost, or follow (the caller determines this from the operation
// kind, not from record content).
func (d *Dispatcher) Dispatch(ctx context.Context, record map[string]any, author contentsource.Author, undo bool) error {
	switch Classify(record) {
	case KindLike:
		return d.dispatchLike(ctx, record, author, undo)
	case KindRepost:
		return d.dispatchRepost(ctx, record, author, undo)
	case KindFollow:
		return d.dispatchFollow(ctx, record, author, undo)
	case KindPost:
		return d.dispatchPost(ctx, record, author)
	default:
		return nil
	}
}

func (d *Dispatcher) targetRkey(record map[string]any, field string) (string, error) {
	subject, _ := record[field].(map[string]any)
	uri, _ := subject["uri"].(string)
	if uri == "" {
		return "", fmt.Errorf("dispatch: record has no %s.uri", field)
	}
	parsed, err := ParseATURI(uri)
	if err != nil {
		return "", err
	}
	if parsed.DID != d.localDID {
		return "", fmt.Errorf("dispatch: target %s is not local to this repository", uri)
	}
	return parsed.Rkey, nil
}

func (d *Dispatcher) dispatchLike(ctx context.Context, record map[string]any, author contentsource.Author, undo bool) error {
	rkey, err := d.targetRkey(record, "subject")
	if err != nil {
		return err
	}
	if undo {
		return d.source.Unlike(ctx, rkey, author)
	}
	return d.source.Like(ctx, rkey, author)
}

func (d *Dispatcher) dispatchRepost(ctx context.Context, record map[string]any, author contentsource.Author, undo bool) error {
	rkey, err := d.targetRkey(record, "subject")
	if err != nil {
		return err
	}
	if undo {
		return d.source.Unrepost(ctx, rkey, author)
	}
	return d.source.Repost(ctx, rkey, author)
}

func (d *Dispatcher) dispatchFollow(ctx context.Context, record map[string]any, author contentsource.Author, undo bool) error {
	subject, _ := record["subject"].(string)
	if subject != d.localDID {
		// Follow of someone else, not us: not this node's concern.
		return nil
	}
	if undo {
		return d.source.Remove(ctx, author)
	}
	return d.source.Add(ctx, author)
}

func (d *Dispatcher) dispatchPost(ctx context.Context, record map[string]any, author contentsource.Author) error {
	reply, _ := record["reply"].(map[string]any)
	if reply == nil {
		return nil
	}
	root, _ := reply["root"].(map[string]any)
	rootURI, _ := root["uri"].(string)
	if rootURI == "" {
		return nil
	}
	rootParsed, err := ParseATURI(rootURI)
	if err != nil || rootParsed.DID != d.localDID {
		// Reply targets a post that does not resolve locally: not an
		// error, just nothing this node stores.
		return nil
	}

	var parentRkey string
	if parent, ok := reply["parent"].(map[string]any); ok {
		if parentURI, _ := parent["uri"].(string); parentURI != "" {
			if parentParsed, err := ParseATURI(parentURI); err == nil && parentParsed.DID == d.localDID {
				parentRkey = parentParsed.Rkey
			}
		}
	}

	text, _ := record["text"].(string)
	createdAt, _ := record["createdAt"].(string)
	return d.source.Store(ctx, rootParsed.Rkey, parentRkey, author, text, createdAt)
}
