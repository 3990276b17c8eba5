package eventbus

import (
	evbus "github.com/asaskevich/EventBus"
)

// Publisher is the surface domain components publish decisions through.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

// Subscriber registers handlers for a topic.
type Subscriber interface {
	Subscribe(topic string, fn interface{}) error
}

// New creates a synchronous bus.
func New() evbus.Bus {
	return evbus.New()
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, ...interface{}) {}

// Nop discards every event.
var Nop Publisher = nopPublisher{}
