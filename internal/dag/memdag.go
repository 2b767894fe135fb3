package dag

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zinghub/zingdb/pkg"
)

// MemStore is the in-memory changeset store used by tests and by
// embedders that bring no storage of their own. Append-only: nodes are
// never mutated after creation.
type MemStore struct {
	locker sync.RWMutex

	nodes    pkg.Map[string, *Changeset]
	children pkg.Map[string, []string]

	entropy *ulid.MonotonicEntropy
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes:    pkg.Map[string, *Changeset]{},
		children: pkg.Map[string, []string]{},
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *MemStore) CreateChangeset(parents []string, payload []byte) (*Changeset, error) {
	s.locker.Lock()
	defer s.locker.Unlock()

	generation := 1
	for _, parent := range parents {
		node, ok := s.nodes[parent]
		if !ok {
			return nil, fmt.Errorf("Unknown parent changeset %s", parent)
		}
		if node.Generation >= generation {
			generation = node.Generation + 1
		}
	}

	now := time.Now()
	cs := &Changeset{
		Id:         ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		Generation: generation,
		Parents:    slices.Clone(parents),
		Time:       now,
		Payload:    payload,
	}

	s.nodes.Set(cs.Id, cs)
	for _, parent := range parents {
		s.children.Set(parent, append(s.children.Get(parent), cs.Id))
	}
	return cs, nil
}

func (s *MemStore) ReadChangeset(csid string) (*Changeset, error) {
	s.locker.RLock()
	defer s.locker.RUnlock()

	cs, ok := s.nodes[csid]
	if !ok {
		return nil, fmt.Errorf("Unknown changeset %s", csid)
	}
	return cs, nil
}

func (s *MemStore) ListLeaves() []string {
	s.locker.RLock()
	defer s.locker.RUnlock()

	leaves := []string{}
	for id := range s.nodes {
		if len(s.children.Get(id)) == 0 {
			leaves = append(leaves, id)
		}
	}
	slices.Sort(leaves)
	return leaves
}

func (s *MemStore) CommonAncestor(csids ...string) (string, error) {
	s.locker.RLock()
	defer s.locker.RUnlock()

	if len(csids) == 0 {
		return "", fmt.Errorf("No changesets given")
	}

	common := s.ancestors(csids[0])
	if common == nil {
		return "", fmt.Errorf("Unknown changeset %s", csids[0])
	}
	for _, csid := range csids[1:] {
		reach := s.ancestors(csid)
		if reach == nil {
			return "", fmt.Errorf("Unknown changeset %s", csid)
		}
		for id := range common {
			if !reach.Has(id) {
				common.Delete(id)
			}
		}
	}

	best := ""
	for id := range common {
		if best == "" {
			best = id
			continue
		}
		node, top := s.nodes.Get(id), s.nodes.Get(best)
		if node.Generation > top.Generation ||
			(node.Generation == top.Generation && id < best) {
			best = id
		}
	}
	if best == "" {
		return "", fmt.Errorf("No common ancestor for %v", csids)
	}
	return best, nil
}

// ancestors returns the node and everything reachable through parents.
func (s *MemStore) ancestors(csid string) pkg.Map[string, bool] {
	if !s.nodes.Has(csid) {
		return nil
	}
	seen := pkg.Map[string, bool]{}
	queue := []string{csid}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen.Has(id) {
			continue
		}
		seen.Set(id, true)
		queue = append(queue, s.nodes.Get(id).Parents...)
	}
	return seen
}

func (s *MemStore) Walk(fromGen, toGen int) []*Changeset {
	s.locker.RLock()
	defer s.locker.RUnlock()

	nodes := []*Changeset{}
	for _, cs := range s.nodes {
		if cs.Generation < fromGen {
			continue
		}
		if toGen > 0 && cs.Generation > toGen {
			continue
		}
		nodes = append(nodes, cs)
	}
	slices.SortFunc(nodes, func(a, b *Changeset) int {
		if a.Generation != b.Generation {
			return a.Generation - b.Generation
		}
		if a.Id < b.Id {
			return -1
		}
		return 1
	})
	return nodes
}

// MemBlobs is a content-addressed in-memory blob store.
type MemBlobs struct {
	locker sync.RWMutex
	blobs  pkg.Map[string, []byte]
}

func NewMemBlobs() *MemBlobs {
	return &MemBlobs{blobs: pkg.Map[string, []byte]{}}
}

func (b *MemBlobs) Put(data []byte) string {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	b.locker.Lock()
	defer b.locker.Unlock()
	b.blobs.Set(ref, slices.Clone(data))
	return ref
}

func (b *MemBlobs) Get(ref string) ([]byte, bool) {
	b.locker.RLock()
	defer b.locker.RUnlock()

	data, ok := b.blobs[ref]
	if !ok {
		return nil, false
	}
	return slices.Clone(data), true
}
