package index

import (
	"github.com/google/btree"
)

// OrderIndex keeps tank keys in insertion order. Sequence numbers are
// assigned by the caller and must be unique and increasing.
//
// OrderIndex is not safe for concurrent use; the owning tank's lock guards it.
type OrderIndex struct {
	btree *btree.BTree
}

type Item struct {
	Seq uint64
	Key string
}

func (i Item) Less(other btree.Item) bool {
	return i.Seq < other.(Item).Seq
}

func NewOrderIndex() *OrderIndex {
	return &OrderIndex{btree: btree.New(32)}
}

func (idx *OrderIndex) Add(seq uint64, key string) {
	idx.btree.ReplaceOrInsert(Item{Seq: seq, Key: key})
}

// Remove reports whether seq was present.
func (idx *OrderIndex) Remove(seq uint64) bool {
	return idx.btree.Delete(Item{Seq: seq}) != nil
}

// Ascend calls fn in insertion order until fn returns false.
func (idx *OrderIndex) Ascend(fn func(seq uint64, key string) bool) {
	idx.btree.Ascend(func(i btree.Item) bool {
		item := i.(Item)
		return fn(item.Seq, item.Key)
	})
}

// Keys returns all keys in insertion order.
func (idx *OrderIndex) Keys() []string {
	keys := make([]string, 0, idx.btree.Len())
	idx.Ascend(func(_ uint64, key string) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func (idx *OrderIndex) Len() int {
	return idx.btree.Len()
}

func (idx *OrderIndex) Clear() {
	idx.btree.Clear(false)
}
