// Package embedder provides the Embedder capability consumed by the write
// path, an LRU cache keyed by (embed_config_fingerprint, chunk_hash), and a
// host-wide concurrency limiter shared by all daemons on the machine.
package embedder

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
	ErrOffline           = errors.New("embedding backend unavailable in offline mode")
)

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	// Embed generates vectors for a batch of texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the model's vector length.
	Dimension() int

	// Provider returns the provider name.
	Provider() string

	// Model returns the model identifier.
	Model() string

	// Close releases provider resources.
	Close() error
}

// CacheKey identifies a cached embedding.
type CacheKey struct {
	EmbedConfigFP string
	ChunkHash     string
}

// Cache is a process-local LRU of embeddings.
type Cache struct {
	cache *lru.Cache[CacheKey, []float32]
}

// NewCache creates an embedding cache with LRU eviction.
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000
	}
	cache, err := lru.New[CacheKey, []float32](maxLen)
	if err != nil {
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return &Cache{cache: cache}
}

// Get returns a copy of the cached vector so callers cannot mutate the cache.
func (c *Cache) Get(key CacheKey) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Set stores a vector; the cache takes its own copy.
func (c *Cache) Set(key CacheKey, vec []float32) {
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache.Add(key, stored)
}

// Len returns the current entry count.
func (c *Cache) Len() int { return c.cache.Len() }

// Purge empties the cache.
func (c *Cache) Purge() { c.cache.Purge() }
