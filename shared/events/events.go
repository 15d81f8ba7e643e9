package events

// DefaultTopic is the broadcast channel every relay instance shares unless
// SYNC_TOPIC overrides it.
const DefaultTopic = "feathers-sync"

// Merged payload keys.
const (
	MergedListKey = "list"
)

// Event is one service event crossing process boundaries. Path names the
// service/resource, Event the kind ("created", "patched", ...).
type Event struct {
	Path  string         `json:"path"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`

	// Context is host-side request context. It never leaves the process.
	Context any `json:"-"`
}

// WithoutContext returns a copy safe to serialize.
func (e Event) WithoutContext() Event {
	e.Context = nil
	return e
}
