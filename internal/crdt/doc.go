// Package crdt defines the replicated-document seam used by the sync layer.
//
// The sync layer never looks inside a document: it treats every document as
// an opaque container that can apply local and remote updates, serialize to
// bytes, and notify observers when its state changes. Merges are assumed
// commutative and idempotent, so updates can be applied in any order and
// replayed safely after a crash.
//
// MergeMap is the implementation shipped with loresync: a last-writer-wins
// replicated map used for worldbuilding elements and document metadata. A
// different CRDT library can be substituted behind the Doc interface without
// touching the connection manager, transport, or headless driver.
package crdt

import "errors"

// Origin distinguishes where an update came from. The connection manager
// uses it to tell genuine local edits apart from remote echoes when it
// maintains the "has unsynced local changes" flag.
type Origin int

const (
	// OriginLocal marks updates produced by a local mutation.
	OriginLocal Origin = iota

	// OriginRemote marks updates received from the transport.
	OriginRemote
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ErrDestroyed is returned by operations on a document that has been
// destroyed.
var ErrDestroyed = errors.New("document destroyed")

// UpdateFunc observes document updates. The update bytes are the encoded
// delta that was applied; origin says whether the delta was produced locally
// or received from a peer.
type UpdateFunc func(update []byte, origin Origin)

// Doc is an opaque replicated document.
//
// Implementations must guarantee that applying the same update twice is a
// no-op and that applying a set of updates in any order converges to the
// same state.
type Doc interface {
	// ApplyLocal applies an encoded mutation produced by this process and
	// notifies observers with OriginLocal.
	ApplyLocal(update []byte) error

	// ApplyRemote applies an update received from a peer and notifies
	// observers with OriginRemote.
	ApplyRemote(update []byte) error

	// Serialize encodes the full document state. The result can be stored
	// durably and restored with Load.
	Serialize() ([]byte, error)

	// Load replaces or merges the document state from a previous
	// Serialize. Loading does not notify observers.
	Load(state []byte) error

	// OnUpdate registers an observer. The returned function removes it.
	OnUpdate(fn UpdateFunc) (unsubscribe func())

	// IsEmpty reports whether the document has no content. Used to decide
	// whether a staged import should be applied.
	IsEmpty() bool

	// Destroy releases the document. Further operations fail with
	// ErrDestroyed. Observers are dropped.
	Destroy()
}
