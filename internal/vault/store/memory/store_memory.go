package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"carfengine/internal/vault/models"
	id "carfengine/pkg/domain"
	"carfengine/pkg/platform/sentinel"
)

// InMemoryKeyStore keeps vault material for the lifetime of the process.
// Used when no VAULT_PATH is configured and in tests.
type InMemoryKeyStore struct {
	mu     sync.Mutex
	keys   map[uint32]models.KeyMaterial
	salts  map[uint32]models.KeyMaterial
	erased map[id.KeyVersion]struct{}
}

func New() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:   make(map[uint32]models.KeyMaterial),
		salts:  make(map[uint32]models.KeyMaterial),
		erased: make(map[id.KeyVersion]struct{}),
	}
}

// Load returns copies of everything held so the vault never aliases store memory.
func (s *InMemoryKeyStore) Load(_ context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &models.Snapshot{}
	for _, k := range s.keys {
		snap.Keys = append(snap.Keys, clone(k))
	}
	for _, m := range s.salts {
		snap.Salts = append(snap.Salts, clone(m))
	}
	for v := range s.erased {
		snap.Erased = append(snap.Erased, v)
	}
	slices.SortFunc(snap.Keys, byVersion)
	slices.SortFunc(snap.Salts, byVersion)
	slices.Sort(snap.Erased)
	return snap, nil
}

func (s *InMemoryKeyStore) PutKey(_ context.Context, material models.KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.erased[id.KeyVersion(material.Version)]; ok {
		return sentinel.ErrErased
	}
	if _, ok := s.keys[material.Version]; ok {
		return sentinel.ErrConflict
	}
	s.keys[material.Version] = clone(material)
	return nil
}

func (s *InMemoryKeyStore) PutSalt(_ context.Context, material models.KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.salts[material.Version]; ok {
		return sentinel.ErrConflict
	}
	s.salts[material.Version] = clone(material)
	return nil
}

// DestroyKey zeroes and forgets the material. Destroying an unknown version
// returns sentinel.ErrNotFound.
func (s *InMemoryKeyStore) DestroyKey(_ context.Context, version id.KeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.erased[version]; ok {
		return nil
	}
	k, ok := s.keys[uint32(version)]
	if !ok {
		return sentinel.ErrNotFound
	}
	clear(k.Material)
	delete(s.keys, uint32(version))
	s.erased[version] = struct{}{}
	return nil
}

func clone(k models.KeyMaterial) models.KeyMaterial {
	k.Material = slices.Clone(k.Material)
	return k
}

func byVersion(a, b models.KeyMaterial) int {
	return cmp.Compare(a.Version, b.Version)
}
