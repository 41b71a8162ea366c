package domain

// MessageBus carries inbound messages from transports to the orchestrator.
type MessageBus interface {
	Publish(msg Message)
	Subscribe() <-chan Message
	Close()
}
