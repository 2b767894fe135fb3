// Package dag is the changeset-store collaborator boundary. The record
// engine consumes it to append commits, read snapshots and discover
// leaves; the storage format behind it is not this engine's concern.
package dag

import "time"

// Changeset is one immutable node in the commit graph.
type Changeset struct {
	Id         string
	Generation int
	Parents    []string
	Time       time.Time
	Payload    []byte
}

type Store interface {
	// CreateChangeset appends a node whose parents must already exist.
	// A nil parent list creates a root.
	CreateChangeset(parents []string, payload []byte) (*Changeset, error)

	ReadChangeset(csid string) (*Changeset, error)

	// ListLeaves returns every node without children, in a stable order.
	ListLeaves() []string

	// CommonAncestor returns the deepest node reachable from all of the
	// given nodes.
	CommonAncestor(csids ...string) (string, error)

	// Walk returns every node whose generation falls in [fromGen, toGen],
	// ascending by generation. toGen == 0 means unbounded.
	Walk(fromGen, toGen int) []*Changeset
}

// Blobs stores attachment content; field values round-trip as refs.
type Blobs interface {
	Put(data []byte) string
	Get(ref string) ([]byte, bool)
}
