package rules

import (
    "cmp"
    "fmt"
    "slices"
    "sync"
    "time"
)

// DefinitionStore manages rule definition persistence and retrieval
type DefinitionStore interface {
    // Add a new definition
    Add(def *Definition) error

    // Get a definition by ID
    Get(id string) (*Definition, error)

    // List returns every definition, active or not, in group order
    List() ([]*Definition, error)

    // ListActive returns active definitions ordered by group, position and creation time
    ListActive() ([]*Definition, error)

    // Update an existing definition
    Update(def *Definition) error

    // Delete a definition
    Delete(id string) error
}

// InMemoryDefinitionStore implements DefinitionStore using an in-memory map
type InMemoryDefinitionStore struct {
    defs map[string]*Definition
    mu   sync.RWMutex
}

// NewInMemoryDefinitionStore creates a new in-memory definition store
func NewInMemoryDefinitionStore() *InMemoryDefinitionStore {
    return &InMemoryDefinitionStore{
        defs: make(map[string]*Definition),
    }
}

// Add stores def, stamping CreatedAt and UpdatedAt and filling group and phase defaults
func (s *InMemoryDefinitionStore) Add(def *Definition) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if _, exists := s.defs[def.ID]; exists {
        return fmt.Errorf("rule with ID %s already exists", def.ID)
    }

    normalize(def)
    now := time.Now()
    def.CreatedAt = now
    def.UpdatedAt = now
    s.defs[def.ID] = def
    return nil
}

// Get retrieves a definition by ID
func (s *InMemoryDefinitionStore) Get(id string) (*Definition, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()

    def, exists := s.defs[id]
    if !exists {
        return nil, fmt.Errorf("rule with ID %s not found", id)
    }
    return def, nil
}

// List returns all definitions
func (s *InMemoryDefinitionStore) List() ([]*Definition, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()

    all := make([]*Definition, 0, len(s.defs))
    for _, def := range s.defs {
        all = append(all, def)
    }
    SortDefinitions(all)
    return all, nil
}

// ListActive returns all active definitions
func (s *InMemoryDefinitionStore) ListActive() ([]*Definition, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()

    var active []*Definition
    for _, def := range s.defs {
        if def.Active {
            active = append(active, def)
        }
    }
    SortDefinitions(active)
    return active, nil
}

// Update replaces an existing definition, keeping its CreatedAt
func (s *InMemoryDefinitionStore) Update(def *Definition) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    existing, exists := s.defs[def.ID]
    if !exists {
        return fmt.Errorf("rule with ID %s not found", def.ID)
    }

    normalize(def)
    def.CreatedAt = existing.CreatedAt
    def.UpdatedAt = time.Now()
    s.defs[def.ID] = def
    return nil
}

// Delete removes a definition from the store
func (s *InMemoryDefinitionStore) Delete(id string) error {
    s.mu.Lock()
    defer s.mu.Unlock()

    if _, exists := s.defs[id]; !exists {
        return fmt.Errorf("rule with ID %s not found", id)
    }

    delete(s.defs, id)
    return nil
}

// SortDefinitions orders definitions the way groups are built from them
func SortDefinitions(defs []*Definition) {
    slices.SortStableFunc(defs, func(a, b *Definition) int {
        if c := cmp.Compare(a.Group, b.Group); c != 0 {
            return c
        }
        if c := cmp.Compare(a.Position, b.Position); c != 0 {
            return c
        }
        if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
            return c
        }
        return cmp.Compare(a.ID, b.ID)
    })
}

func normalize(def *Definition) {
    if def.Group == "" {
        def.Group = DefaultGroup
    }
    if def.Phase == "" {
        def.Phase = PhaseState
    }
}
