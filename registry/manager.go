// Package registry keeps one guarded document per namespace. A namespace
// pairs a document container with its schema and the rule engine compiled
// against that schema
package registry

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/liamcoop/simplestore/internal/logger"
	"github.com/liamcoop/simplestore/rules"
	"github.com/liamcoop/simplestore/store"
)

// persistTimeout bounds one document write including its retries
const persistTimeout = 5 * time.Second

// ErrNotFound is returned for namespaces the manager does not hold
var ErrNotFound = errors.New("namespace not found")

// Document is the state held by a namespace
type Document = map[string]any

// Namespace is one loaded namespace
type Namespace struct {
	ID       string
	Name     string
	Document *store.Container[Document]

	schema  Schema
	version int
	engine  *rules.Engine
	stop    context.CancelFunc
	done    chan struct{} // closed once the persist goroutine has drained
	mu      sync.RWMutex
}

// Schema returns the active schema and its version
func (ns *Namespace) Schema() (Schema, int) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.schema, ns.version
}

// Engine returns the engine compiled against the active schema
func (ns *Namespace) Engine() *rules.Engine {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.engine
}

// Manager holds every loaded namespace. With a nil db, namespaces and their
// rule definitions live in memory only
type Manager struct {
	namespaces map[string]*Namespace
	db         *sql.DB
	opts       []rules.Option
	persisting sync.WaitGroup
	mu         sync.RWMutex
}

// NewManager creates a manager. opts configure every guarded apply
func NewManager(db *sql.DB, opts ...rules.Option) *Manager {
	return &Manager{
		namespaces: make(map[string]*Namespace),
		db:         db,
		opts:       opts,
	}
}

func (m *Manager) definitionStore(namespaceID string) rules.DefinitionStore {
	if m.db == nil {
		return rules.NewInMemoryDefinitionStore()
	}
	return rules.NewPostgresDefinitionStore(m.db, namespaceID)
}

// LoadAll loads every namespace with an active schema from the database
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT n.id, n.name, n.state, s.version, s.definition
		FROM namespaces n
		JOIN schemas s ON s.namespace_id = n.id
		WHERE s.active = true
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch namespaces: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var id, name string
		var stateJSON, schemaJSON []byte
		var version int
		if err := rows.Scan(&id, &name, &stateJSON, &version, &schemaJSON); err != nil {
			return fmt.Errorf("failed to scan namespace row: %w", err)
		}

		var schema Schema
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return fmt.Errorf("invalid schema for namespace %s: %w", id, err)
		}
		doc := Document{}
		if err := json.Unmarshal(stateJSON, &doc); err != nil {
			return fmt.Errorf("invalid state for namespace %s: %w", id, err)
		}

		if _, err := m.register(id, name, schema, version, doc); err != nil {
			return fmt.Errorf("failed to initialize namespace %s: %w", id, err)
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating namespace rows: %w", err)
	}

	logger.Info("namespaces loaded", "count", loaded)
	return nil
}

// CreateNamespace validates schema, persists the namespace when a database
// is configured, and loads it with an empty document
func (m *Manager) CreateNamespace(ctx context.Context, name string, schema Schema) (*Namespace, error) {
	if name == "" {
		return nil, fmt.Errorf("namespace name is required")
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	id := uuid.NewString()
	if m.db != nil {
		if err := m.insertNamespace(ctx, id, name, schema); err != nil {
			return nil, err
		}
	} else if m.nameTaken(name) {
		return nil, fmt.Errorf("namespace %q already exists", name)
	}

	ns, err := m.register(id, name, schema, 1, Document{})
	if err != nil {
		return nil, err
	}
	logger.Info("namespace created", "namespace", id, "name", name)
	return ns, nil
}

func (m *Manager) insertNamespace(ctx context.Context, id, name string, schema Schema) error {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO namespaces (id, name) VALUES ($1, $2)
	`, id, name); err != nil {
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schemas (namespace_id, version, definition, active) VALUES ($1, 1, $2, true)
	`, id, schemaJSON); err != nil {
		return fmt.Errorf("failed to save schema: %w", err)
	}
	return tx.Commit()
}

func (m *Manager) nameTaken(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ns := range m.namespaces {
		if ns.Name == name {
			return true
		}
	}
	return false
}

// register builds the namespace's engine and document and starts persisting
// the document when a database is configured
func (m *Manager) register(id, name string, schema Schema, version int, doc Document) (*Namespace, error) {
	env, err := NewEnv(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	engine, err := rules.NewEngineWithEnv(env, m.definitionStore(id))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	ns := &Namespace{
		ID:       id,
		Name:     name,
		Document: store.New(doc, store.WithEqual(documentsEqual)),
		schema:   schema,
		version:  version,
		engine:   engine,
	}

	if m.db != nil {
		ctx, cancel := context.WithCancel(context.Background())
		ns.stop = cancel
		ns.done = make(chan struct{})
		// subscribe before returning so no commit can slip past persistence
		changes := ns.Document.Changes(ctx)
		m.persisting.Add(1)
		go func() {
			defer m.persisting.Done()
			defer close(ns.done)
			m.persist(ctx, ns, changes)
		}()
	}

	m.mu.Lock()
	old := m.namespaces[id]
	m.namespaces[id] = ns
	m.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	return ns, nil
}

func documentsEqual(a, b Document) bool {
	return reflect.DeepEqual(a, b)
}

// persist writes every published document to the namespaces table. The
// first value is the one just loaded and is skipped. Once ctx is done the
// value still pending, if any, is written before persist returns
func (m *Manager) persist(ctx context.Context, ns *Namespace, changes <-chan Document) {
	<-changes

	// writes outlive ctx so the last document reaches the database on shutdown
	wctx := context.WithoutCancel(ctx)
	for doc := range changes {
		if err := m.writeDocument(wctx, ns.ID, doc); err != nil {
			// the next change rewrites the whole document
			logger.Error("failed to persist document", "namespace", ns.ID, "error", err)
		}
	}
}

// writeDocument stores doc, retrying transient failures with exponential
// backoff
func (m *Manager) writeDocument(ctx context.Context, id string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode document: %w", err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = persistTimeout

	return backoff.Retry(func() error {
		wctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		_, err := m.db.ExecContext(wctx, `
			UPDATE namespaces SET state = $2, updated_at = NOW() WHERE id = $1
		`, id, data)
		return err
	}, backoff.WithContext(policy, ctx))
}

// shutdown stops persisting ns and waits for the pending write
func (ns *Namespace) shutdown() {
	if ns.stop == nil {
		return
	}
	ns.stop()
	<-ns.done
}

// Get returns a loaded namespace
func (m *Manager) Get(id string) (*Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, exists := m.namespaces[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ns, nil
}

// GetEngine returns the rule engine of a namespace
func (m *Manager) GetEngine(id string) (*rules.Engine, error) {
	ns, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return ns.Engine(), nil
}

// UpdateSchema stores a new schema version and swaps in an engine compiled
// against it. Every active definition must still compile; otherwise the old
// schema stays in place. The document is kept as is
func (m *Manager) UpdateSchema(ctx context.Context, id string, schema Schema) (int, error) {
	ns, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	if err := ValidateSchema(schema); err != nil {
		return 0, fmt.Errorf("invalid schema: %w", err)
	}

	env, err := NewEnv(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	var engine *rules.Engine
	if m.db == nil {
		// the in-memory definitions belong to the current engine's store
		engine, err = rules.NewEngineWithEnv(env, ns.engine.Store())
	} else {
		engine, err = rules.NewEngineWithEnv(env, m.definitionStore(id))
	}
	if err != nil {
		return 0, fmt.Errorf("rules do not compile against new schema: %w", err)
	}

	version := ns.version + 1
	if m.db != nil {
		if version, err = m.saveSchema(ctx, id, schema); err != nil {
			return 0, err
		}
	}

	ns.schema = schema
	ns.version = version
	ns.engine = engine

	logger.Info("schema updated", "namespace", id, "version", version)
	return version, nil
}

func (m *Manager) saveSchema(ctx context.Context, id string, schema Schema) (int, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal schema: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE schemas SET active = false WHERE namespace_id = $1
	`, id); err != nil {
		return 0, fmt.Errorf("failed to deactivate old schemas: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO schemas (namespace_id, version, definition, active)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true
		FROM schemas
		WHERE namespace_id = $1
		RETURNING version
	`, id, schemaJSON).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to save new schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return version, nil
}

// ListNamespaces returns all loaded namespaces ordered by name
func (m *Manager) ListNamespaces() []*Namespace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Namespace, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		out = append(out, ns)
	}
	slices.SortFunc(out, func(a, b *Namespace) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// DeleteNamespace unloads a namespace and, with a database, deletes it
// together with its schemas and rule definitions
func (m *Manager) DeleteNamespace(ctx context.Context, id string) error {
	m.mu.Lock()
	ns, exists := m.namespaces[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.namespaces, id)
	m.mu.Unlock()

	ns.shutdown()

	if m.db != nil {
		if _, err := m.db.ExecContext(ctx, `DELETE FROM namespaces WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete namespace: %w", err)
		}
	}

	logger.Info("namespace deleted", "namespace", id)
	return nil
}

// Close stops persisting every namespace and returns once every document
// committed before the call has been written
func (m *Manager) Close() {
	m.mu.RLock()
	for _, ns := range m.namespaces {
		if ns.stop != nil {
			ns.stop()
		}
	}
	m.mu.RUnlock()

	m.persisting.Wait()
}
