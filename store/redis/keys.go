package redis

// Key prefixes for primary entity storage.
const (
	prefixSchema = "backbone:schema:"
	prefixInbox  = "backbone:inbox:" // hash: status, doc
	prefixKey    = "backbone:key:"
	prefixDLQ    = "backbone:dlq:"
)

// Key prefixes for unique indexes and pointers.
const (
	uniqueSchemaVersion = "backbone:u:schema:"      // + type@version
	activeSchema        = "backbone:active:schema:" // + event type
)

// Key prefixes for sorted set indexes.
const (
	zSchemaType  = "backbone:z:schema:type:" // + event type, scored by creation
	zInboxAll    = "backbone:z:inbox:all"
	zInboxStatus = "backbone:z:inbox:status:" // + status, scored by receipt
	zInboxDue    = "backbone:z:inbox:due"     // scored by next retry
	zDLQAll      = "backbone:z:dlq:all"
	sSchemaTypes = "backbone:s:schema:types"
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

func versionKey(eventType, version string) string {
	return uniqueSchemaVersion + eventType + "@" + version
}
