package ngram

import (
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	model "ngram-lm/internal/model/ngram"
)

// TrieNode represents a node in the n-gram trie
type TrieNode struct {
	tokenID  int               // Vocabulary index at this node
	value    float64           // Weight of the n-gram ending at this node
	terminal bool              // Whether an n-gram ends at this node
	children map[int]*TrieNode // Children indexed by vocabulary index
}

// NewTrieNode creates a new trie node
func NewTrieNode(tokenID int) *TrieNode {
	return &TrieNode{
		tokenID:  tokenID,
		children: make(map[int]*TrieNode),
	}
}

// TrieContainer stores n-grams in a prefix tree. N-grams sharing a context
// share the path to it, and all continuations of a context can be listed by
// walking a single subtree.
type TrieContainer struct {
	root        *TrieNode
	size        int
	bloomFilter *bloom.BloomFilter // Pre-filter for absent keys, never cleared on delete
}

// NewTrieContainer creates a new trie container without bloom filter
func NewTrieContainer() *TrieContainer {
	return &TrieContainer{
		root: NewTrieNode(-1),
	}
}

// NewTrieContainerWithBloom creates a trie whose lookups of absent n-grams are
// usually answered by a bloom filter instead of a walk
func NewTrieContainerWithBloom(expectedItems uint, falsePositiveRate float64) *TrieContainer {
	trie := NewTrieContainer()
	trie.bloomFilter = bloom.NewWithEstimates(expectedItems, falsePositiveRate)
	return trie
}

// find returns the node for key, or nil if the path does not exist
func (t *TrieContainer) find(key model.NGram) *TrieNode {
	current := t.root
	for _, tokenID := range key {
		child, exists := current.children[tokenID]
		if !exists {
			return nil
		}
		current = child
	}
	return current
}

func (t *TrieContainer) mayContain(key model.NGram) bool {
	if t.bloomFilter == nil {
		return true
	}
	return t.bloomFilter.TestString(key.Key())
}

func (t *TrieContainer) Get(key model.NGram) float64 {
	if !t.mayContain(key) {
		return 0
	}
	node := t.find(key)
	if node == nil || !node.terminal {
		return 0
	}
	return node.value
}

func (t *TrieContainer) Set(key model.NGram, value float64) {
	current := t.root
	for _, tokenID := range key {
		child, exists := current.children[tokenID]
		if !exists {
			child = NewTrieNode(tokenID)
			current.children[tokenID] = child
		}
		current = child
	}

	if !current.terminal {
		current.terminal = true
		t.size++
		if t.bloomFilter != nil {
			t.bloomFilter.AddString(key.Key())
		}
	}
	current.value = value
}

func (t *TrieContainer) Delete(key model.NGram) error {
	// Keep the path so that emptied branches can be detached bottom-up
	path := make([]*TrieNode, 0, len(key)+1)
	path = append(path, t.root)
	current := t.root
	for _, tokenID := range key {
		child, exists := current.children[tokenID]
		if !exists {
			return fmt.Errorf("%w: %v", ErrKeyNotFound, key)
		}
		current = child
		path = append(path, current)
	}
	if !current.terminal {
		return fmt.Errorf("%w: %v", ErrKeyNotFound, key)
	}

	current.terminal = false
	current.value = 0
	t.size--

	for i := len(path) - 1; i > 0; i-- {
		node := path[i]
		if node.terminal || len(node.children) > 0 {
			break
		}
		delete(path[i-1].children, node.tokenID)
	}
	return nil
}

func (t *TrieContainer) Contains(key model.NGram) bool {
	if !t.mayContain(key) {
		return false
	}
	node := t.find(key)
	return node != nil && node.terminal
}

func (t *TrieContainer) Len() int {
	return t.size
}

func (t *TrieContainer) Items() []model.Entry {
	results := make([]model.Entry, 0, t.size)
	t.collectEntries(t.root, nil, &results)
	return results
}

// ItemsWithPrefix returns all n-grams that start with prefix, sorted by key
func (t *TrieContainer) ItemsWithPrefix(prefix model.NGram) []model.Entry {
	node := t.find(prefix)
	if node == nil {
		return nil
	}
	var results []model.Entry
	t.collectEntries(node, prefix.Clone(), &results)
	return results
}

// collectEntries walks the subtree in key order
func (t *TrieContainer) collectEntries(node *TrieNode, path model.NGram, results *[]model.Entry) {
	if node.terminal {
		*results = append(*results, model.Entry{Key: path.Clone(), Value: node.value})
	}

	childIDs := make([]int, 0, len(node.children))
	for tokenID := range node.children {
		childIDs = append(childIDs, tokenID)
	}
	sort.Ints(childIDs)

	for _, tokenID := range childIDs {
		t.collectEntries(node.children[tokenID], append(path, tokenID), results)
	}
}

// MemoryStats returns memory usage statistics
func (t *TrieContainer) MemoryStats() TrieMemoryStats {
	var nodeCount int64
	t.countNodes(t.root, &nodeCount)

	return TrieMemoryStats{
		TotalNodes:      nodeCount,
		TotalNGrams:     int64(t.size),
		NodeMemoryBytes: nodeCount * 64, // Approx: tokenID(8) + value(8) + terminal(8) + map(40)
		BloomEnabled:    t.bloomFilter != nil,
	}
}

// countNodes recursively counts all nodes in the trie
func (t *TrieContainer) countNodes(node *TrieNode, count *int64) {
	*count++
	for _, child := range node.children {
		t.countNodes(child, count)
	}
}

// TrieMemoryStats contains memory usage statistics
type TrieMemoryStats struct {
	TotalNodes      int64 `json:"total_nodes"`
	TotalNGrams     int64 `json:"total_ngrams"`
	NodeMemoryBytes int64 `json:"node_memory_bytes"`
	BloomEnabled    bool  `json:"bloom_enabled"`
}
