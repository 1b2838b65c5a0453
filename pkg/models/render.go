package models

// RenderMode is the target text format for a conversation.
type RenderMode string

const (
	RenderMarkdown RenderMode = "markdown"
	RenderHTML     RenderMode = "html"
	RenderPlain    RenderMode = "plain"
)

// BlockedPolicy controls how blocked links and images are rewritten.
type BlockedPolicy string

const (
	// BlockedIndicator replaces the element with a short marker.
	BlockedIndicator BlockedPolicy = "indicator"
	// BlockedText keeps the raw URL as plain text.
	BlockedText BlockedPolicy = "text"
	// BlockedRemove drops the element entirely.
	BlockedRemove BlockedPolicy = "remove"
)

// RenderProfile is the per-chat formatting policy, keyed by
// (provider, chat_id).
type RenderProfile struct {
	Mode               RenderMode    `json:"mode"`
	BlockedLinkPolicy  BlockedPolicy `json:"blocked_link_policy"`
	BlockedImagePolicy BlockedPolicy `json:"blocked_image_policy"`
}
