package core

// Client is one live connection handle as seen by the core layer.
// It is bound to at most one room and, once authenticated, exactly one identity.
type Client struct {
	ID       string
	Commands chan *Command
	Events   chan *Event

	// identity is owned by the hub loop.
	identity *Identity
	done     chan struct{}
}

// NewClient constructs a client with initialized channels.
// buffer sizes both channels; values below 1 fall back to 16.
func NewClient(id string, buffer int) *Client {
	if buffer < 1 {
		buffer = 16
	}
	return &Client{
		ID:       id,
		Commands: make(chan *Command, buffer),
		Events:   make(chan *Event, buffer),
		done:     make(chan struct{}),
	}
}

// Done is closed once the hub has unregistered the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// deliver hands an event to the client without blocking.
// Slow consumers lose the event; delivery is at-most-once per connection.
func (c *Client) deliver(ev *Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) userName() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.Nickname
}
