package pipeline

import "github.com/google/uuid"

// Metadata keys attached by stages. Namespaced so downstream stages and the
// caller can tell which stage produced what.
const (
	MetaEpisodeNew       = "episode.new"
	MetaEpisodePreserved = "episode.preserved"

	MetaRetrievalQuery   = "retrieval.query"
	MetaRetrievalPrimary = "retrieval.primary_id"
	MetaRetrievalCount   = "retrieval.count"

	MetaStorageAction   = "storage.action"
	MetaStorageRecordID = "storage.record_id"
	MetaStorageReason   = "storage.reason"
)

// Message is the unit threaded through the pipeline: the raw input plus the
// structured outputs of every stage that has already run, attached under
// namespaced metadata keys.
type Message struct {
	// Content is the input text being processed.
	Content string

	// Token scopes idempotency: replaying the same message must not create
	// duplicate records.
	Token string

	Metadata map[string]string
}

// NewMessage wraps one input with a fresh idempotency token.
func NewMessage(content string) *Message {
	return &Message{
		Content:  content,
		Token:    uuid.New().String(),
		Metadata: make(map[string]string),
	}
}

// Set attaches a metadata value.
func (m *Message) Set(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}
