// Package evidence implements the append-only, content-addressed store for
// evidence bundles. An evidence packet's address is the SHA-256 of its
// canonical JSON form; a stored packet is never mutated or deleted, and a
// read returns the exact bytes that were written.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loopgate/core/pkg/canonicalize"
	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/refs"
)

var (
	// ErrNotFound means no packet exists at the requested address.
	ErrNotFound = errors.New("evidence: not found")
	// ErrCorruption means a declared address did not match the computed
	// content hash. Nothing is written on corruption.
	ErrCorruption = errors.New("evidence: content address mismatch")
)

// Store is the evidence bundle store. All implementations are append-only
// and first-writer-wins: a duplicate Put of identical content returns the
// same address without rewriting.
type Store interface {
	// Put stores a packet at its computed content address. If declared is
	// non-empty it must equal the computed address or Put fails with
	// ErrCorruption.
	Put(ctx context.Context, packet *contracts.EvidencePacket, declared refs.ContentAddress) (refs.ContentAddress, error)

	// Get returns the packet stored at addr, or ErrNotFound.
	Get(ctx context.Context, addr refs.ContentAddress) (*contracts.EvidencePacket, error)

	// Has reports whether an address is present.
	Has(ctx context.Context, addr refs.ContentAddress) (bool, error)
}

// Dereferenceable reports whether a typed reference resolves against the
// store. Non-dereferenceable reference kinds and absent addresses both
// return false: a gate treats either as missing evidence and blocks.
func Dereferenceable(ctx context.Context, s Store, ref refs.TypedRef) bool {
	if !ref.Dereferenceable() {
		return false
	}
	if ref.TypeKey != refs.TypeEvidenceBundle {
		// Only evidence bundles live in this store; other dereferenceable
		// kinds are resolved by their own registries.
		return true
	}
	addr := refs.ContentAddress(ref.ID)
	if !addr.Valid() {
		return false
	}
	ok, err := s.Has(ctx, addr)
	return err == nil && ok
}

// encode canonicalizes a packet and computes its content address.
func encode(packet *contracts.EvidencePacket) ([]byte, refs.ContentAddress, error) {
	data, err := canonicalize.JCS(packet)
	if err != nil {
		return nil, "", fmt.Errorf("evidence: canonicalize packet: %w", err)
	}
	return data, refs.NewContentAddress(canonicalize.HashBytes(data)), nil
}

func checkDeclared(computed, declared refs.ContentAddress) error {
	if declared != "" && declared != computed {
		return fmt.Errorf("%w: declared %s, computed %s", ErrCorruption, declared, computed)
	}
	return nil
}

// MemoryStore is the in-process store used by tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	packets map[refs.ContentAddress][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packets: make(map[refs.ContentAddress][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, packet *contracts.EvidencePacket, declared refs.ContentAddress) (refs.ContentAddress, error) {
	data, addr, err := encode(packet)
	if err != nil {
		return "", err
	}
	if err := checkDeclared(addr, declared); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.packets[addr]; exists {
		// First writer wins; identical content, same address.
		return addr, nil
	}
	m.packets[addr] = data
	return addr, nil
}

func (m *MemoryStore) Get(ctx context.Context, addr refs.ContentAddress) (*contracts.EvidencePacket, error) {
	m.mu.RLock()
	data, ok := m.packets[addr]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return decodeVerified(data, addr)
}

func (m *MemoryStore) Has(ctx context.Context, addr refs.ContentAddress) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.packets[addr]
	return ok, nil
}

// Len reports the number of stored packets.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.packets)
}

// decodeVerified recomputes the hash of stored bytes before decoding. A
// mismatch means the store's bytes were altered after write.
func decodeVerified(data []byte, addr refs.ContentAddress) (*contracts.EvidencePacket, error) {
	if got := refs.NewContentAddress(canonicalize.HashBytes(data)); got != addr {
		return nil, fmt.Errorf("%w: stored bytes hash to %s, expected %s", ErrCorruption, got, addr)
	}
	packet, err := contracts.DecodeEvidencePacket(data)
	if err != nil {
		return nil, fmt.Errorf("evidence: decode packet %s: %w", addr, err)
	}
	return packet, nil
}
