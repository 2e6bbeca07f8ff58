package mirror

import "encoding/json"

// Method is the kind of mutation a change record carries.
type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

// Valid reports whether m is one of the known mutation kinds.
func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodDelete:
		return true
	}
	return false
}

// ChangeRecord is one server-side mutation of one entity, tagged with the
// version the server assigned to it.
type ChangeRecord struct {
	Entity  string          `json:"entity"`
	Method  Method          `json:"method"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// ChangeBatch is the unit of delivery on the socket.
type ChangeBatch struct {
	Records []ChangeRecord
}

// Version returns the version of the first record, or 0 for an empty batch.
func (b ChangeBatch) Version() int64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].Version
}

// Change is a detailed side effect on the mirror, including cascades the
// store produced on its own.
type Change struct {
	Entity  string          `json:"entity"`
	ID      string          `json:"id"`
	Method  Method          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChangeSet is an ordered list of detailed changes.
type ChangeSet []Change

// Removed returns the delete changes in the set.
func (cs ChangeSet) Removed() ChangeSet {
	var out ChangeSet
	for _, c := range cs {
		if c.Method == MethodDelete {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot is the result of a full fetch: every entity, grouped by kind,
// and the version the server was at when it produced them.
type Snapshot struct {
	Version int64                        `json:"version"`
	Data    map[string][]json.RawMessage `json:"data"`
}
