// Package extract samples the remote rendered surface of a session's
// browsing context and returns structured point-in-time snapshots. The
// remote application has no push mechanism, so all state discovery happens
// here.
package extract

// Kind classifies an observed surface element.
type Kind string

const (
	KindUserTurn         Kind = "user-turn"
	KindAgentText        Kind = "agent-turn-text"
	KindVideoPlaceholder Kind = "agent-turn-video-placeholder"
	KindVideoResolved    Kind = "agent-turn-video-resolved"
)

// RawVideo describes an observed video card. PlayableURL is empty while the
// card is still a placeholder.
type RawVideo struct {
	Thumbnail   string `json:"thumbnail,omitempty"`
	Poster      string `json:"poster,omitempty"`
	Title       string `json:"title,omitempty"`
	PlayableURL string `json:"playableUrl,omitempty"`
	// CardIndex is the element's ordinal among video cards on the page,
	// used to target a specific card during resolution.
	CardIndex int `json:"cardIndex"`
}

// RawEntry is one classified element in document order.
type RawEntry struct {
	Kind   Kind      `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Images []string  `json:"images,omitempty"`
	Video  *RawVideo `json:"video,omitempty"`
}

// Progress is the generation-progress widget state. Each sample fully
// replaces the previous one; it is never merged.
type Progress struct {
	IsActive    bool     `json:"isActive"`
	Percentage  int      `json:"percentage"`
	CurrentStep string   `json:"currentStep,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// Snapshot is an ordered, classified read of the surface.
type Snapshot struct {
	Entries  []RawEntry `json:"entries"`
	Progress *Progress  `json:"progress,omitempty"`
}

// ResolvedVideo is the result of the placeholder-resolution interaction.
type ResolvedVideo struct {
	VideoURL string `json:"videoUrl"`
	Poster   string `json:"poster,omitempty"`
	Title    string `json:"title,omitempty"`
}
