package store

import "errors"

// MessageStore is a driver holding both the room index and the message log.
type MessageStore interface {
	RoomStore
	MessageLog
	Close() error
}

type composite struct {
	UserStore
	MessageStore
	closeUsers func() error
}

// Compose pairs a user store with a separate message driver. Close closes both.
func Compose(users UserStore, messages MessageStore, closeUsers func() error) Store {
	return &composite{UserStore: users, MessageStore: messages, closeUsers: closeUsers}
}

func (c *composite) Close() error {
	err := c.MessageStore.Close()
	if c.closeUsers != nil {
		err = errors.Join(err, c.closeUsers())
	}
	return err
}
