package domain

const (
	SourceStatusNew       = "new"
	SourceStatusProcessed = "processed"

	DraftStatusPending   = "pending_review"
	DraftStatusPublished = "published"
	DraftStatusRejected  = "rejected"

	BodyFormatPlain = "plain"
	BodyFormatRich  = "rich"
)

type SourcePost struct {
	ID         int64   `json:"id"`
	ChannelID  string  `json:"channel_id"`
	MessageID  int64   `json:"message_id"`
	Text       string  `json:"text"`
	PhotoRef   *string `json:"photo_ref,omitempty"`
	CapturedAt string  `json:"captured_at" format:"date-time"`
	Status     string  `json:"status" enum:"new,processed"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// DraftBody is a tagged variant fixed at generation time. Plain drafts carry
// title/body/tags, rich drafts carry ready markup. Downstream code switches
// on Format and never inspects content to guess.
type DraftBody struct {
	Format string   `json:"format" enum:"plain,rich"`
	Title  string   `json:"title,omitempty"`
	Body   string   `json:"body,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Markup string   `json:"markup,omitempty"`
}

type CandidateImage struct {
	URL          string `json:"url"`
	Photographer string `json:"photographer,omitempty"`
	ProviderID   int64  `json:"provider_id,omitempty"`
}

type PublishTarget struct {
	DraftID     int64  `json:"draft_id"`
	Channel     string `json:"channel"`
	MessageID   int64  `json:"message_id"`
	PublishedAt string `json:"published_at" format:"date-time"`
}

type Draft struct {
	ID              int64            `json:"id"`
	SourcePostID    int64            `json:"source_post_id"`
	Body            DraftBody        `json:"body"`
	RawGeneration   *string          `json:"raw_generation,omitempty"`
	ImageQuery      *string          `json:"image_query,omitempty"`
	CandidateImages []CandidateImage `json:"candidate_images,omitempty"`
	FinalImageURL   *string          `json:"final_image_url,omitempty"`
	Status          string           `json:"status" enum:"pending_review,published,rejected"`
	PublishTargets  []PublishTarget  `json:"publish_targets,omitempty"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the draft has left pending_review.
func (d Draft) Terminal() bool {
	return d.Status == DraftStatusPublished || d.Status == DraftStatusRejected
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID          string `json:"id"`
	ModeratorID string `json:"moderator_id"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"key_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
