package model

// DeliveryStatus tracks a locally authored message's observed fate: still
// unsent, accepted onto the wire, or failed after exhausting publish
// attempts.
type DeliveryStatus string

const (
	DeliveryUnpublished DeliveryStatus = "unpublished"
	DeliveryPublished   DeliveryStatus = "published"
	DeliveryFailed      DeliveryStatus = "failed"
)

// StoredGroupMessage is a decrypted application message persisted to local
// history, whether authored locally or received from a remote installation.
type StoredGroupMessage struct {
	ID                   int64
	GroupID              string
	Kind                 string
	SequenceID           uint64
	OriginatorID         uint32
	SenderInboxID        InboxID
	SenderInstallationID InstallationID
	Content              []byte
	SentAtNS             int64
	DeliveryStatus       DeliveryStatus
	ContentType          string
	ReferenceID          *int64
}
