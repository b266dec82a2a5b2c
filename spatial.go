package lattice

import (
	"sync"
)

// SpatialConfig configures the spatial index manager.
type SpatialConfig struct {
	// Fanout is the maximum entries or children per R-tree node before a split.
	Fanout int `yaml:"fanout"`
}

// DefaultSpatialConfig returns default spatial index configuration.
func DefaultSpatialConfig() SpatialConfig {
	return SpatialConfig{Fanout: 10}
}

// SpatialIndex manages one bounding-box R-tree per database. Mutations are
// serialized per database; queries on the same tree run concurrently and see
// a consistent snapshot relative to completed writes.
type SpatialIndex struct {
	fanout int
	mu     sync.RWMutex
	trees  map[string]*rtree
}

// NewSpatialIndex creates a spatial index manager.
func NewSpatialIndex(cfg SpatialConfig) *SpatialIndex {
	if cfg.Fanout < 2 {
		cfg.Fanout = DefaultSpatialConfig().Fanout
	}
	return &SpatialIndex{
		fanout: cfg.Fanout,
		trees:  make(map[string]*rtree),
	}
}

// CreateIndex creates an empty tree for db. Indexes are created explicitly;
// inserts against a database without one fail with ErrIndexNotFound.
func (s *SpatialIndex) CreateIndex(db string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trees[db]; ok {
		return newIndexError(IndexOpCreate, db, "", ErrAlreadyExists)
	}
	s.trees[db] = newRTree(s.fanout)
	return nil
}

// DropIndex discards the tree for db. Idempotent.
func (s *SpatialIndex) DropIndex(db string) {
	s.mu.Lock()
	delete(s.trees, db)
	s.mu.Unlock()
}

// HasIndex reports whether a tree exists for db.
func (s *SpatialIndex) HasIndex(db string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trees[db]
	return ok
}

func (s *SpatialIndex) tree(db string) (*rtree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trees[db]
	return t, ok
}

// Insert adds a feature to db's tree. A re-insert of a known feature id
// replaces its stored box.
func (s *SpatialIndex) Insert(db, featureID string, bbox BoundingBox) error {
	if !bbox.Valid() {
		return newIndexError(IndexOpInsert, db, "", ErrInvalidBoundingBox)
	}
	t, ok := s.tree(db)
	if !ok {
		return newIndexError(IndexOpInsert, db, "", ErrIndexNotFound)
	}
	t.insert(featureID, bbox)
	return nil
}

// Query returns the ids of all features whose stored box intersects bbox.
// Touching boundaries count as intersection. Returns ErrIndexNotFound when
// no tree exists so the caller can fall back to a journal scan.
func (s *SpatialIndex) Query(db string, bbox BoundingBox) ([]string, error) {
	if !bbox.Valid() {
		return nil, newIndexError(IndexOpQuery, db, "", ErrInvalidBoundingBox)
	}
	t, ok := s.tree(db)
	if !ok {
		return nil, newIndexError(IndexOpQuery, db, "", ErrIndexNotFound)
	}
	return t.search(bbox), nil
}

// Delete removes a feature from db's tree. Underflowed nodes are not merged
// or rebalanced; query correctness is unaffected, only efficiency degrades
// under heavy deletion churn.
func (s *SpatialIndex) Delete(db, featureID string) error {
	t, ok := s.tree(db)
	if !ok {
		return newIndexError(IndexOpDelete, db, "", ErrNotFound)
	}
	if !t.delete(featureID) {
		return newIndexError(IndexOpDelete, db, "", ErrNotFound)
	}
	return nil
}

// Size returns the number of features indexed for db.
func (s *SpatialIndex) Size(db string) int {
	t, ok := s.tree(db)
	if !ok {
		return 0
	}
	return t.count()
}

// ========== R-tree ==========

type rtree struct {
	mu     sync.RWMutex
	fanout int
	root   *rtreeNode
	leafOf map[string]*rtreeNode
	size   int
}

type rtreeNode struct {
	bbox     BoundingBox
	leaf     bool
	parent   *rtreeNode
	entries  []rtreeEntry
	children []*rtreeNode
}

type rtreeEntry struct {
	id   string
	bbox BoundingBox
}

func newRTree(fanout int) *rtree {
	return &rtree{
		fanout: fanout,
		root:   &rtreeNode{leaf: true},
		leafOf: make(map[string]*rtreeNode),
	}
}

func (t *rtree) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

func (t *rtree) insert(id string, bbox BoundingBox) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.leafOf[id]; ok {
		t.deleteLocked(id)
	}

	leaf := t.chooseLeaf(t.root, bbox)
	leaf.entries = append(leaf.entries, rtreeEntry{id: id, bbox: bbox})
	t.leafOf[id] = leaf
	t.size++

	t.adjustUp(leaf)
}

// chooseLeaf descends from node picking, at each level, the child whose box
// needs the least area enlargement to cover bbox. Ties break on smaller
// resulting area, then on earliest child in iteration order.
func (t *rtree) chooseLeaf(node *rtreeNode, bbox BoundingBox) *rtreeNode {
	for !node.leaf {
		best := node.children[0]
		bestEnl := best.bbox.Enlargement(bbox)
		bestArea := best.bbox.Union(bbox).Area()
		for _, child := range node.children[1:] {
			enl := child.bbox.Enlargement(bbox)
			area := child.bbox.Union(bbox).Area()
			if enl < bestEnl || (enl == bestEnl && area < bestArea) {
				best, bestEnl, bestArea = child, enl, area
			}
		}
		node = best
	}
	return node
}

// adjustUp recomputes covering boxes from node to the root, splitting any
// node that exceeds the fanout. Only a root split increases tree height, so
// all leaves stay at equal depth.
func (t *rtree) adjustUp(node *rtreeNode) {
	for node != nil {
		node.recomputeBBox()
		if node.overflowed(t.fanout) {
			sibling := t.split(node)
			if node.parent == nil {
				newRoot := &rtreeNode{children: []*rtreeNode{node, sibling}}
				node.parent = newRoot
				sibling.parent = newRoot
				newRoot.recomputeBBox()
				t.root = newRoot
				return
			}
			sibling.parent = node.parent
			node.parent.children = append(node.parent.children, sibling)
		}
		node = node.parent
	}
}

func (n *rtreeNode) overflowed(fanout int) bool {
	if n.leaf {
		return len(n.entries) > fanout
	}
	return len(n.children) > fanout
}

// split divides an overflowed node quadratically: the worst-overlapping pair
// of members seeds two groups, then each remaining member joins the group
// needing the least enlargement, ties going to the smaller group. The
// receiver keeps group one; the returned sibling holds group two.
func (t *rtree) split(node *rtreeNode) *rtreeNode {
	boxes := node.memberBoxes()
	seedA, seedB := pickSeeds(boxes)

	groupA := []int{seedA}
	groupB := []int{seedB}
	boxA := boxes[seedA]
	boxB := boxes[seedB]

	for i := range boxes {
		if i == seedA || i == seedB {
			continue
		}
		enlA := boxA.Enlargement(boxes[i])
		enlB := boxB.Enlargement(boxes[i])
		toA := enlA < enlB
		if enlA == enlB {
			toA = len(groupA) <= len(groupB)
		}
		if toA {
			groupA = append(groupA, i)
			boxA = boxA.Union(boxes[i])
		} else {
			groupB = append(groupB, i)
			boxB = boxB.Union(boxes[i])
		}
	}

	sibling := &rtreeNode{leaf: node.leaf}
	if node.leaf {
		oldEntries := node.entries
		node.entries = make([]rtreeEntry, 0, len(groupA))
		for _, i := range groupA {
			node.entries = append(node.entries, oldEntries[i])
		}
		for _, i := range groupB {
			sibling.entries = append(sibling.entries, oldEntries[i])
			t.leafOf[oldEntries[i].id] = sibling
		}
	} else {
		oldChildren := node.children
		node.children = make([]*rtreeNode, 0, len(groupA))
		for _, i := range groupA {
			node.children = append(node.children, oldChildren[i])
			oldChildren[i].parent = node
		}
		for _, i := range groupB {
			sibling.children = append(sibling.children, oldChildren[i])
			oldChildren[i].parent = sibling
		}
	}
	node.recomputeBBox()
	sibling.recomputeBBox()
	return sibling
}

func (n *rtreeNode) memberBoxes() []BoundingBox {
	if n.leaf {
		boxes := make([]BoundingBox, len(n.entries))
		for i, e := range n.entries {
			boxes[i] = e.bbox
		}
		return boxes
	}
	boxes := make([]BoundingBox, len(n.children))
	for i, c := range n.children {
		boxes[i] = c.bbox
	}
	return boxes
}

// pickSeeds returns the pair of boxes wasting the most area when covered
// together.
func pickSeeds(boxes []BoundingBox) (int, int) {
	seedA, seedB := 0, 1
	worst := -1.0
	for i := 0; i < len(boxes); i++ {
		for j := i + 1; j < len(boxes); j++ {
			waste := boxes[i].Union(boxes[j]).Area() - boxes[i].Area() - boxes[j].Area()
			if waste > worst {
				worst = waste
				seedA, seedB = i, j
			}
		}
	}
	return seedA, seedB
}

func (n *rtreeNode) recomputeBBox() {
	if n.leaf {
		if len(n.entries) == 0 {
			return
		}
		n.bbox = n.entries[0].bbox
		for _, e := range n.entries[1:] {
			n.bbox = n.bbox.Union(e.bbox)
		}
		return
	}
	if len(n.children) == 0 {
		return
	}
	n.bbox = n.children[0].bbox
	for _, c := range n.children[1:] {
		n.bbox = n.bbox.Union(c.bbox)
	}
}

func (t *rtree) search(bbox BoundingBox) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	t.searchNode(t.root, bbox, &ids)
	return ids
}

func (t *rtree) searchNode(node *rtreeNode, bbox BoundingBox, out *[]string) {
	if node.leaf {
		if len(node.entries) == 0 {
			return
		}
		if !node.bbox.Intersects(bbox) {
			return
		}
		for _, e := range node.entries {
			if e.bbox.Intersects(bbox) {
				*out = append(*out, e.id)
			}
		}
		return
	}
	if !node.bbox.Intersects(bbox) {
		return
	}
	for _, child := range node.children {
		t.searchNode(child, bbox, out)
	}
}

func (t *rtree) delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(id)
}

func (t *rtree) deleteLocked(id string) bool {
	leaf, ok := t.leafOf[id]
	if !ok {
		return false
	}
	for i, e := range leaf.entries {
		if e.id == id {
			leaf.entries = append(leaf.entries[:i], leaf.entries[i+1:]...)
			break
		}
	}
	delete(t.leafOf, id)
	t.size--

	// No underflow handling: covering boxes are tightened up the path but
	// empty nodes stay in place.
	for n := leaf; n != nil; n = n.parent {
		n.recomputeBBox()
	}
	return true
}
