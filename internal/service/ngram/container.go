package ngram

import (
	"fmt"
	"sort"
	"strings"

	model "ngram-lm/internal/model/ngram"
)

// Container maps n-grams of a single order to a weight. During training the
// weight is a raw count, after normalization a conditional probability.
type Container interface {
	// Get returns the stored weight, or 0 if the n-gram is absent
	Get(key model.NGram) float64

	// Set stores a weight, inserting the n-gram if needed
	Set(key model.NGram, value float64)

	// Delete removes an n-gram; ErrKeyNotFound if it is absent
	Delete(key model.NGram) error

	// Contains reports whether the n-gram is stored
	Contains(key model.NGram) bool

	// Len returns the number of stored n-grams
	Len() int

	// Items returns a snapshot of all entries sorted by key. The snapshot
	// stays valid while the container is mutated.
	Items() []model.Entry
}

// PrefixEnumerator is implemented by containers that can list the entries
// under a prefix without scanning everything
type PrefixEnumerator interface {
	ItemsWithPrefix(prefix model.NGram) []model.Entry
}

// ContainerKind names a container implementation
type ContainerKind string

const (
	HashContainerKind ContainerKind = "hash"
	TrieContainerKind ContainerKind = "trie"
)

// ParseContainerKind resolves a configured container name. "dict" is an alias
// of "hash".
func ParseContainerKind(name string) (ContainerKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hash", "dict", "map":
		return HashContainerKind, nil
	case "trie":
		return TrieContainerKind, nil
	default:
		return "", fmt.Errorf("%w: unknown container %q", ErrInvalidConfig, name)
	}
}

// BloomOptions enables the trie's membership pre-filter
type BloomOptions struct {
	ExpectedItems     uint
	FalsePositiveRate float64
}

// ContainerFactory builds one empty container per model order
type ContainerFactory func() Container

// NewContainerFactory resolves a kind once so that the model never branches
// on it again
func NewContainerFactory(kind ContainerKind, bloom *BloomOptions) (ContainerFactory, error) {
	switch kind {
	case HashContainerKind:
		return func() Container { return NewHashContainer() }, nil
	case TrieContainerKind:
		if bloom != nil {
			opts := *bloom
			return func() Container {
				return NewTrieContainerWithBloom(opts.ExpectedItems, opts.FalsePositiveRate)
			}, nil
		}
		return func() Container { return NewTrieContainer() }, nil
	default:
		return nil, fmt.Errorf("%w: unknown container %q", ErrInvalidConfig, kind)
	}
}

// HashContainer stores n-grams in a Go map keyed by NGram.Key
type HashContainer struct {
	data map[string]model.Entry
}

// NewHashContainer creates an empty map-backed container
func NewHashContainer() *HashContainer {
	return &HashContainer{
		data: make(map[string]model.Entry),
	}
}

func (c *HashContainer) Get(key model.NGram) float64 {
	return c.data[key.Key()].Value
}

func (c *HashContainer) Set(key model.NGram, value float64) {
	k := key.Key()
	if entry, exists := c.data[k]; exists {
		entry.Value = value
		c.data[k] = entry
		return
	}
	c.data[k] = model.Entry{Key: key.Clone(), Value: value}
}

func (c *HashContainer) Delete(key model.NGram) error {
	k := key.Key()
	if _, exists := c.data[k]; !exists {
		return fmt.Errorf("%w: %v", ErrKeyNotFound, key)
	}
	delete(c.data, k)
	return nil
}

func (c *HashContainer) Contains(key model.NGram) bool {
	_, exists := c.data[key.Key()]
	return exists
}

func (c *HashContainer) Len() int {
	return len(c.data)
}

func (c *HashContainer) Items() []model.Entry {
	items := make([]model.Entry, 0, len(c.data))
	for _, entry := range c.data {
		items = append(items, model.Entry{Key: entry.Key.Clone(), Value: entry.Value})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key.Less(items[j].Key) })
	return items
}
