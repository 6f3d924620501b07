// Package transport defines the Transport port: the replicated append-only
// envelope log the core publishes to and reads from. The core only
// consumes this interface; a concrete implementation (the network client)
// is wired in by the embedding application.
package transport

import "context"

// TopicKind distinguishes the four envelope streams the core cares about.
type TopicKind string

const (
	TopicGroupMessages   TopicKind = "group_messages"
	TopicWelcomeMessages TopicKind = "welcome_messages"
	TopicIdentityUpdates TopicKind = "identity_updates"
	TopicCommitLog       TopicKind = "commit_log"
)

// Topic names one stream: a group's message topic, an installation's
// welcome topic, an inbox's identity-update topic, or a group's commit-log
// topic.
type Topic struct {
	Kind TopicKind
	ID   string
}

// MessageKind classifies an Envelope's payload so the Envelope Processor
// can dispatch it without decrypting first.
type MessageKind string

const (
	MessageKindWelcome     MessageKind = "welcome"
	MessageKindCommit      MessageKind = "commit"
	MessageKindApplication MessageKind = "application"
)

// Envelope is one entry on a topic's total order.
type Envelope struct {
	Topic        Topic
	SequenceID   uint64
	OriginatorID uint32
	Payload      []byte
	Kind         MessageKind
}

// Ack confirms a publish was accepted; idempotent on the receiving side by
// payload hash.
type Ack struct {
	SequenceID   uint64
	OriginatorID uint32
}

// Stream is a cancellable subscription to a topic's envelopes.
type Stream interface {
	// Next blocks until the next Envelope is available or ctx is
	// done / the stream is closed.
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// Port is the Transport port consumed by the Intent Lifecycle Engine and
// Envelope Processor.
//
//go:generate mockgen --destination=port.mock.go --package=transport . Port
type Port interface {
	Publish(ctx context.Context, topic Topic, payload []byte) (Ack, error)
	Query(ctx context.Context, topic Topic, sinceCursor *uint64) ([]Envelope, error)
	Subscribe(ctx context.Context, topic Topic, sinceCursor *uint64) (Stream, error)
}
