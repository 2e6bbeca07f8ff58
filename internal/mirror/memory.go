package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore is an in-memory mirror keyed by entity kind and id.
type MemoryStore struct {
	mu       sync.RWMutex
	schema   *Schema
	entities map[string]map[string]json.RawMessage // kind -> id -> payload
	logger   *zap.Logger
}

// NewMemoryStore creates an empty store. schema may be nil.
func NewMemoryStore(schema *Schema, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		schema:   schema,
		entities: make(map[string]map[string]json.RawMessage),
		logger:   logger,
	}
}

func (m *MemoryStore) Upsert(_ context.Context, entity string, payload json.RawMessage) (ChangeSet, error) {
	if !m.schema.Allows(entity) {
		return nil, fmt.Errorf("upsert %s: %w", entity, ErrUnknownEntity)
	}
	id, err := EntityID(payload)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", entity, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.entities[entity]
	if !ok {
		byID = make(map[string]json.RawMessage)
		m.entities[entity] = byID
	}

	method := MethodUpdate
	if _, exists := byID[id]; !exists {
		method = MethodCreate
	}
	stored := append(json.RawMessage(nil), payload...)
	byID[id] = stored

	return ChangeSet{{Entity: entity, ID: id, Method: method, Payload: stored}}, nil
}

func (m *MemoryStore) Remove(_ context.Context, entity string, payload json.RawMessage) (ChangeSet, error) {
	if !m.schema.Allows(entity) {
		return nil, fmt.Errorf("remove %s: %w", entity, ErrUnknownEntity)
	}
	id, err := EntityID(payload)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", entity, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.entities[entity][id]
	if !ok {
		return nil, nil
	}
	delete(m.entities[entity], id)
	return ChangeSet{{Entity: entity, ID: id, Method: MethodDelete, Payload: old}}, nil
}

// ApplyCascades walks the schema's relations from each removed entity.
// Cascaded removals are themselves followed, so chains resolve in one call.
func (m *MemoryStore) ApplyCascades(_ context.Context, removed ChangeSet) (ChangeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out ChangeSet
	work := append(ChangeSet(nil), removed.Removed()...)
	for len(work) > 0 {
		gone := work[0]
		work = work[1:]

		for _, ref := range m.schema.referrersOf(gone.Entity) {
			byID := m.entities[ref.entity]
			for _, id := range sortedIDs(byID) {
				payload := byID[id]
				if !referencesID(payload, ref.relation.Field, gone.ID) {
					continue
				}
				switch ref.relation.OnDelete {
				case OnDeleteDetach:
					detached, err := setField(payload, ref.relation.Field, nil)
					if err != nil {
						return out, fmt.Errorf("detaching %s/%s: %w", ref.entity, id, err)
					}
					byID[id] = detached
					out = append(out, Change{Entity: ref.entity, ID: id, Method: MethodUpdate, Payload: detached})
				default:
					delete(byID, id)
					c := Change{Entity: ref.entity, ID: id, Method: MethodDelete, Payload: payload}
					out = append(out, c)
					work = append(work, c)
				}
			}
		}
	}

	if len(out) > 0 {
		m.logger.Debug("cascades applied", zap.Int("changes", len(out)))
	}
	return out, nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[string]map[string]json.RawMessage)
	return nil
}

// Get returns the stored payload for an entity.
func (m *MemoryStore) Get(entity, id string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entities[entity][id]
	return p, ok
}

// Count returns the number of stored entities of a kind.
func (m *MemoryStore) Count(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities[entity])
}

// Compile-time interface verification
var _ Store = (*MemoryStore)(nil)

// EntityID extracts the "id" field of an entity payload as a string.
func EntityID(payload json.RawMessage) (string, error) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("decoding entity: %w", err)
	}
	id := normalizeID(head.ID)
	if id == "" {
		return "", ErrMissingID
	}
	return id, nil
}

// normalizeID renders string and number ids the same way.
func normalizeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func referencesID(payload json.RawMessage, field, id string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return false
	}
	return normalizeID(obj[field]) == id
}

func setField(payload json.RawMessage, field string, value any) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	obj[field] = value
	return json.Marshal(obj)
}

func sortedIDs(byID map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Export returns every stored payload grouped by kind, ids in sorted order.
func (m *MemoryStore) Export() map[string][]json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]json.RawMessage, len(m.entities))
	for kind, byID := range m.entities {
		if len(byID) == 0 {
			continue
		}
		list := make([]json.RawMessage, 0, len(byID))
		for _, id := range sortedIDs(byID) {
			list = append(list, byID[id])
		}
		out[kind] = list
	}
	return out
}
