package lattice

// pointKey is the temporal ordering key: (timestamp, point id). The id
// component gives a total order even under duplicate timestamps.
type pointKey struct {
	ts int64
	id string
}

func (k pointKey) less(o pointKey) bool {
	if k.ts != o.ts {
		return k.ts < o.ts
	}
	return k.id < o.id
}

func (k pointKey) equal(o pointKey) bool {
	return k.ts == o.ts && k.id == o.id
}

// timeBTree is a B-tree over pointKey used by the temporal index. Keys live
// in the leaves; internal nodes carry separator copies. Deletion removes the
// leaf key only and never rebalances, so separators stay valid bounds.
type timeBTree struct {
	order int
	root  *timeNode
	size  int
}

type timeNode struct {
	keys     []pointKey
	children []*timeNode
	leaf     bool
}

func newTimeBTree(order int) *timeBTree {
	if order < 3 {
		order = 3
	}
	return &timeBTree{order: order}
}

func (t *timeBTree) count() int {
	return t.size
}

// insert adds key in O(log n). Inserting an already-present key is a no-op.
func (t *timeBTree) insert(key pointKey) {
	if t.root == nil {
		t.root = &timeNode{leaf: true, keys: []pointKey{key}}
		t.size = 1
		return
	}
	if t.contains(key) {
		return
	}

	if len(t.root.keys) == 2*t.order-1 {
		oldRoot := t.root
		t.root = &timeNode{leaf: false, children: []*timeNode{oldRoot}}
		t.splitChild(t.root, 0)
	}

	t.insertNonFull(t.root, key)
	t.size++
}

func (t *timeBTree) insertNonFull(node *timeNode, key pointKey) {
	i := len(node.keys) - 1
	if node.leaf {
		node.keys = append(node.keys, pointKey{})
		for i >= 0 && key.less(node.keys[i]) {
			node.keys[i+1] = node.keys[i]
			i--
		}
		node.keys[i+1] = key
		return
	}

	for i >= 0 && key.less(node.keys[i]) {
		i--
	}
	i++

	if len(node.children[i].keys) == 2*t.order-1 {
		t.splitChild(node, i)
		if node.keys[i].less(key) || node.keys[i].equal(key) {
			i++
		}
	}

	t.insertNonFull(node.children[i], key)
}

func (t *timeBTree) splitChild(parent *timeNode, i int) {
	order := t.order
	child := parent.children[i]
	newChild := &timeNode{leaf: child.leaf}

	if child.leaf {
		mid := order - 1
		newChild.keys = append(newChild.keys, child.keys[mid:]...)
		child.keys = child.keys[:mid]

		parent.keys = append(parent.keys, pointKey{})
		copy(parent.keys[i+1:], parent.keys[i:])
		parent.keys[i] = newChild.keys[0]
	} else {
		midKey := child.keys[order-1]
		newChild.keys = append(newChild.keys, child.keys[order:]...)
		child.keys = child.keys[:order-1]
		newChild.children = append(newChild.children, child.children[order:]...)
		child.children = child.children[:order]

		parent.keys = append(parent.keys, pointKey{})
		copy(parent.keys[i+1:], parent.keys[i:])
		parent.keys[i] = midKey
	}

	parent.children = append(parent.children, nil)
	copy(parent.children[i+2:], parent.children[i+1:])
	parent.children[i+1] = newChild
}

// leafFor descends to the leaf that would hold key. Separators route equal
// keys to the right child, matching splitChild.
func (t *timeBTree) leafFor(key pointKey) *timeNode {
	node := t.root
	if node == nil {
		return nil
	}
	for !node.leaf {
		i := len(node.keys) - 1
		for i >= 0 && key.less(node.keys[i]) {
			i--
		}
		node = node.children[i+1]
	}
	return node
}

func (t *timeBTree) contains(key pointKey) bool {
	leaf := t.leafFor(key)
	if leaf == nil {
		return false
	}
	for _, k := range leaf.keys {
		if k.equal(key) {
			return true
		}
	}
	return false
}

// remove deletes the exact key from its leaf. Returns false when absent.
// Underflowed leaves are left in place.
func (t *timeBTree) remove(key pointKey) bool {
	leaf := t.leafFor(key)
	if leaf == nil {
		return false
	}
	for i, k := range leaf.keys {
		if k.equal(key) {
			leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
			t.size--
			return true
		}
	}
	return false
}

// rangeKeys returns all keys with start <= key and key.ts <= endTS in
// ascending order, capped at limit when limit > 0. The upper bound is a bare
// timestamp so every id at endTS is covered, whatever bytes it contains.
func (t *timeBTree) rangeKeys(start pointKey, endTS int64, limit int) []pointKey {
	if t.root == nil {
		return nil
	}
	var out []pointKey
	t.rangeNode(t.root, start, endTS, limit, &out)
	return out
}

func (t *timeBTree) rangeNode(node *timeNode, start pointKey, endTS int64, limit int, out *[]pointKey) bool {
	if node.leaf {
		for _, k := range node.keys {
			if k.less(start) {
				continue
			}
			if k.ts > endTS {
				return false
			}
			*out = append(*out, k)
			if limit > 0 && len(*out) >= limit {
				return false
			}
		}
		return true
	}

	for i, child := range node.children {
		// child i holds keys below keys[i]; skip it when that whole span
		// falls before start.
		if i < len(node.keys) {
			sep := node.keys[i]
			if sep.less(start) || sep.equal(start) {
				continue
			}
		}
		if !t.rangeNode(child, start, endTS, limit, out) {
			return false
		}
		// Keys at and beyond separator i sit at or above its timestamp:
		// nothing further matches once that exceeds endTS.
		if i < len(node.keys) && node.keys[i].ts > endTS {
			return false
		}
	}
	return true
}
