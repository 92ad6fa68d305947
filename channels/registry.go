package channels

import "fmt"

// Registry is the closed set of connectors, one per channel type,
// assembled explicitly at startup and injected into the Service. It is
// read-only after construction and safe to share across concurrent
// request handlers without locking.
type Registry struct {
	connectors map[ChannelType]Connector
}

// NewRegistry builds a Registry from the given connectors. Registering two
// connectors for the same type is an error.
func NewRegistry(connectors ...Connector) (*Registry, error) {
	r := &Registry{connectors: make(map[ChannelType]Connector, len(connectors))}
	for _, c := range connectors {
		t := c.Type()
		if !t.Valid() {
			return nil, fmt.Errorf("channels: registry: unknown channel type %q", t)
		}
		if _, dup := r.connectors[t]; dup {
			return nil, fmt.Errorf("channels: registry: duplicate connector for type %q", t)
		}
		r.connectors[t] = c
	}
	return r, nil
}

// Get returns the connector for t, or ErrUnknownChannelType.
func (r *Registry) Get(t ChannelType) (Connector, error) {
	c, ok := r.connectors[t]
	if !ok {
		return nil, &ErrUnknownChannelType{Type: t}
	}
	return c, nil
}

// Types returns the registered channel types in unspecified order.
func (r *Registry) Types() []ChannelType {
	out := make([]ChannelType, 0, len(r.connectors))
	for t := range r.connectors {
		out = append(out, t)
	}
	return out
}
