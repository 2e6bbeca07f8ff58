package mirror

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSchema = `
entities:
  project: {}
  task:
    relations:
      - field: project_id
        target: project
  comment:
    relations:
      - field: task_id
        target: task
        on_delete: cascade
      - field: author_id
        target: user
        on_delete: detach
  user: {}
`

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	schema, err := ParseSchema([]byte(testSchema))
	require.NoError(t, err)
	return NewMemoryStore(schema, zap.NewNop())
}

func TestUpsertCreateThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cs, err := store.Upsert(ctx, "project", json.RawMessage(`{"id":1,"name":"a"}`))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, MethodCreate, cs[0].Method)
	assert.Equal(t, "1", cs[0].ID)

	cs, err = store.Upsert(ctx, "project", json.RawMessage(`{"id":1,"name":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, MethodUpdate, cs[0].Method)

	got, ok := store.Get("project", "1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1,"name":"b"}`, string(got))
}

func TestUpsertRejectsUnknownEntity(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upsert(context.Background(), "invoice", json.RawMessage(`{"id":1}`))
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestUpsertRequiresID(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upsert(context.Background(), "project", json.RawMessage(`{"name":"x"}`))
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	store := newTestStore(t)
	cs, err := store.Remove(context.Background(), "project", json.RawMessage(`{"id":"nope"}`))
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestCascadeChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, step := range []struct {
		entity  string
		payload string
	}{
		{"project", `{"id":"p1"}`},
		{"task", `{"id":"t1","project_id":"p1"}`},
		{"task", `{"id":"t2","project_id":"p2"}`},
		{"comment", `{"id":"c1","task_id":"t1"}`},
	} {
		_, err := store.Upsert(ctx, step.entity, json.RawMessage(step.payload))
		require.NoError(t, err)
	}

	removed, err := store.Remove(ctx, "project", json.RawMessage(`{"id":"p1"}`))
	require.NoError(t, err)
	cascades, err := store.ApplyCascades(ctx, removed)
	require.NoError(t, err)

	require.Len(t, cascades, 2)
	assert.Equal(t, Change{Entity: "task", ID: "t1", Method: MethodDelete, Payload: cascades[0].Payload}, cascades[0])
	assert.Equal(t, "comment", cascades[1].Entity)
	assert.Equal(t, MethodDelete, cascades[1].Method)

	assert.Equal(t, 1, store.Count("task"))
	assert.Equal(t, 0, store.Count("comment"))
}

func TestCascadeDetach(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "user", json.RawMessage(`{"id":7}`))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "comment", json.RawMessage(`{"id":"c1","author_id":7,"likes":12345678901234}`))
	require.NoError(t, err)

	removed, err := store.Remove(ctx, "user", json.RawMessage(`{"id":7}`))
	require.NoError(t, err)
	cascades, err := store.ApplyCascades(ctx, removed)
	require.NoError(t, err)

	require.Len(t, cascades, 1)
	assert.Equal(t, MethodUpdate, cascades[0].Method)
	got, ok := store.Get("comment", "c1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"c1","author_id":null,"likes":12345678901234}`, string(got))
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upsert(context.Background(), "project", json.RawMessage(`{"id":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Reset(context.Background()))
	assert.Equal(t, 0, store.Count("project"))
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	store := NewMemoryStore(nil, zap.NewNop())
	_, err := store.Upsert(context.Background(), "anything", json.RawMessage(`{"id":"x"}`))
	require.NoError(t, err)
	cs, err := store.ApplyCascades(context.Background(), ChangeSet{{Entity: "anything", ID: "x", Method: MethodDelete}})
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestExport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, "task", json.RawMessage(`{"id":"b"}`))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "task", json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)

	out := store.Export()
	require.Len(t, out["task"], 2)
	assert.JSONEq(t, `{"id":"a"}`, string(out["task"][0]))
	assert.NotContains(t, out, "project")
}
