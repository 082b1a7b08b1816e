package store

import "time"

// Guild is a Discord server. One per run.
type Guild struct {
	ID          string
	Name        string
	IconURL     string
	MemberCount int
}

// Channel is a guild channel. LastScrapedMessageID is the resume
// cursor: the lexicographic max of ingested message ids.
type Channel struct {
	ID                   string
	GuildID              string
	Name                 string
	Type                 int
	ParentID             string
	Position             int
	Topic                string
	LastScrapedMessageID string
	LastScrapedAt        time.Time
	MessageCount         int
}

// User is a message author.
type User struct {
	ID            string
	Username      string
	GlobalName    string
	Discriminator string
	AvatarURL     string
	IsBot         bool
}

// Message is one chat message. Timestamp is never rewritten on upsert;
// content and edit fields may be.
type Message struct {
	ID              string
	ChannelID       string
	AuthorID        string
	Content         string
	CleanContent    string
	Timestamp       time.Time
	EditedTimestamp *time.Time
	MessageType     int
	ReferenceID     string
	ThreadID        string
	HasEmbeds       bool
	HasAttachments  bool
	ReactionCount   int
}

// Embed is a child row of Message.
type Embed struct {
	MessageID   string
	Title       string
	Description string
	URL         string
}

// Attachment is a child row of Message.
type Attachment struct {
	ID          string
	MessageID   string
	Filename    string
	URL         string
	Size        int64
	ContentType string
}

// Reaction is unique per (message_id, emoji).
type Reaction struct {
	MessageID string
	Emoji     string
	Count     int
}

// Sync status values.
const (
	SyncInProgress = "in_progress"
	SyncCompleted  = "completed"
	SyncFailed     = "failed"
)

// Sync type values.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
	SyncTypeChannel     = "channel"
)

// SyncState is one scraper invocation's bookkeeping row.
type SyncState struct {
	ID                int64
	RunID             string
	SyncType          string
	GuildID           string
	ChannelID         string
	StartedAt         time.Time
	CompletedAt       *time.Time
	MessagesProcessed int
	Status            string
	ErrorMessage      string
}

// Entity types for stage results.
const (
	EntityMessage       = "message"
	EntityChannel       = "channel"
	EntityDailySummary  = "daily_summary"
	EntityWeeklySummary = "weekly_summary"
	EntityExtract       = "extract"
)

// StageResult is one memoization row: the stage-tagged JSON payload
// for an entity, keyed (entity_type, entity_id, stage).
type StageResult struct {
	EntityType string
	EntityID   string
	Stage      string
	ResultJSON string
	ModelUsed  string
	TokensIn   int
	TokensOut  int

	// Summary coordinates, set for daily/weekly summary rows only.
	GuildID     string
	ChannelID   string
	SummaryDate string

	ProcessedAt time.Time
}

// Extract is a typed marketing artifact. Append-only.
type Extract struct {
	ID                 int64
	SourceType         string
	SourceID           string
	ExtractType        string
	Title              string
	Content            string
	FormattedContent   string
	RelevanceScore     float64
	Sentiment          string
	Topics             []string
	RequiresPermission bool
	PermissionGranted  bool
	CreatedAt          time.Time
}

// MessageWithAuthor is a message enriched with its author row, the
// shape the pipeline stages consume.
type MessageWithAuthor struct {
	Message
	Username   string
	GlobalName string
	IsBot      bool
}
