// Package reconcile accumulates extraction snapshots into a stable,
// deduplicated per-session transcript. Merging keys off content rather than
// arrival order: the remote surface re-renders the full transcript every
// sample, streams partial agent text, and shows video placeholders before a
// playable resource exists.
package reconcile

import (
	"strings"
	"sync"

	"mirage/internal/extract"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Video is a media artifact attached to an agent turn. It begins pending
// (no URL) and transitions to resolved exactly once.
type Video struct {
	Thumbnail   string `json:"thumbnail,omitempty"`
	Poster      string `json:"poster,omitempty"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"videoUrl,omitempty"`
	Fingerprint string `json:"-"`
}

// Resolved reports whether a playable reference has been attached.
func (v *Video) Resolved() bool {
	return v != nil && v.URL != ""
}

// Entry is one reconciled transcript entry.
type Entry struct {
	Role   Role     `json:"role"`
	Text   string   `json:"text,omitempty"`
	Images []string `json:"images,omitempty"`
	Video  *Video   `json:"video,omitempty"`
}

// Delta reports what a merge changed, letting the consumer decide whether
// to clear any waiting UI state.
type Delta struct {
	Added   []Entry `json:"added,omitempty"`
	Updated []Entry `json:"updated,omitempty"`
}

// Empty reports whether the merge was a no-op.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0
}

// maxEntries bounds the reconciled window.
const maxEntries = 200

// State is one session's reconciled transcript. Safe for concurrent use,
// though command serialization means merges never actually race.
type State struct {
	mu           sync.Mutex
	entries      []*Entry
	fingerprints map[string]bool
}

func NewState() *State {
	return &State{fingerprints: make(map[string]bool)}
}

// Entries returns a copy of the reconciled transcript.
func (s *State) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// UnresolvedPlaceholders returns the card indexes of pending video entries,
// oldest first. Indexes follow video-card document order, matching the
// extractor's CardIndex numbering.
func (s *State) UnresolvedPlaceholders() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var indexes []int
	card := 0
	for _, e := range s.entries {
		if e.Video == nil {
			continue
		}
		if !e.Video.Resolved() {
			indexes = append(indexes, card)
		}
		card++
	}
	return indexes
}

// Merge folds a snapshot into the transcript and returns the delta.
// Re-merging an unchanged snapshot yields an empty delta.
func (s *State) Merge(snap *extract.Snapshot) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	var delta Delta
	if snap == nil {
		return delta
	}

	// Entries this snapshot has already accounted for are settled: a later
	// element of the same snapshot can never overwrite them.
	settled := make(map[*Entry]bool)

	for _, raw := range coalesceImageTurns(snap.Entries) {
		switch raw.Kind {
		case extract.KindUserTurn:
			entry := Entry{Role: RoleUser, Text: raw.Text, Images: raw.Images}
			if s.findExact(entry) == nil {
				s.append(&entry, &delta)
			}
		case extract.KindAgentText:
			s.mergeAgentText(raw.Text, &delta, settled)
		case extract.KindVideoPlaceholder:
			s.mergePlaceholder(raw.Video, &delta)
		case extract.KindVideoResolved:
			s.mergeResolved(raw.Video, &delta)
		}
	}

	s.trim()
	return delta
}

// AttachResolved applies a resolution-command result to the transcript,
// following the same matching and dedup rules as resolved entries observed
// through sampling. Reports whether the artifact was accepted (false means
// its fingerprint was already known).
func (s *State) AttachResolved(resolved *extract.ResolvedVideo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var delta Delta
	accepted := s.mergeResolved(&extract.RawVideo{
		Poster:      resolved.Poster,
		Title:       resolved.Title,
		PlayableURL: resolved.VideoURL,
	}, &delta)
	return accepted
}

// coalesceImageTurns merges a user turn consisting only of attached images
// with an immediately following user text turn: the remote surface sometimes
// renders an upload and its caption as two turns.
func coalesceImageTurns(entries []extract.RawEntry) []extract.RawEntry {
	out := make([]extract.RawEntry, 0, len(entries))
	for i := 0; i < len(entries); i++ {
		cur := entries[i]
		if cur.Kind == extract.KindUserTurn && cur.Text == "" && len(cur.Images) > 0 &&
			i+1 < len(entries) &&
			entries[i+1].Kind == extract.KindUserTurn && entries[i+1].Text != "" {
			next := entries[i+1]
			out = append(out, extract.RawEntry{
				Kind:   extract.KindUserTurn,
				Text:   next.Text,
				Images: append(append([]string{}, cur.Images...), next.Images...),
			})
			i++
			continue
		}
		out = append(out, cur)
	}
	return out
}

func (s *State) append(entry *Entry, delta *Delta) {
	s.entries = append(s.entries, entry)
	delta.Added = append(delta.Added, *entry)
}

// findExact locates an entry with the same role, text, and image set.
func (s *State) findExact(entry Entry) *Entry {
	for _, e := range s.entries {
		if e.Role == entry.Role && e.Video == nil && entry.Video == nil &&
			e.Text == entry.Text && sameImages(e.Images, entry.Images) {
			return e
		}
	}
	return nil
}

// mergeAgentText applies the streaming-overwrite rule against the newest
// recorded agent text entry: a strict prefix of it is a stale partial render
// and is discarded; an extension replaces it in place; anything else is new.
// An entry the current snapshot already rendered on its own is settled — a
// later turn that happens to extend its text is a new turn and appends.
func (s *State) mergeAgentText(text string, delta *Delta, settled map[*Entry]bool) {
	entry := Entry{Role: RoleAgent, Text: text}
	if existing := s.findExact(entry); existing != nil {
		settled[existing] = true
		return
	}

	if last := s.lastAgentText(); last != nil && !settled[last] {
		if strings.HasPrefix(last.Text, text) {
			// Stale partial render of text we already hold in full.
			return
		}
		if strings.HasPrefix(text, last.Text) {
			last.Text = text
			settled[last] = true
			delta.Updated = append(delta.Updated, *last)
			return
		}
	}
	s.append(&entry, delta)
	settled[&entry] = true
}

func (s *State) lastAgentText() *Entry {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Role == RoleAgent && s.entries[i].Video == nil {
			return s.entries[i]
		}
	}
	return nil
}

// mergePlaceholder matches an observed placeholder against existing video
// entries by title, then by thumbnail reference. A match updates an
// unresolved entry in place; a resolved match means the surface is still
// rendering a card we already resolved, and is ignored. Appending a
// duplicate card is never allowed.
func (s *State) mergePlaceholder(video *extract.RawVideo, delta *Delta) {
	if existing := s.matchPlaceholder(video.Title, video.Thumbnail); existing != nil {
		if existing.Video.Resolved() {
			return
		}
		changed := false
		if video.Thumbnail != "" && existing.Video.Thumbnail != video.Thumbnail {
			existing.Video.Thumbnail = video.Thumbnail
			changed = true
		}
		if video.Poster != "" && existing.Video.Poster != video.Poster {
			existing.Video.Poster = video.Poster
			changed = true
		}
		if video.Title != "" && existing.Video.Title != video.Title {
			existing.Video.Title = video.Title
			changed = true
		}
		if changed {
			delta.Updated = append(delta.Updated, *existing)
		}
		return
	}

	entry := Entry{Role: RoleAgent, Video: &Video{
		Thumbnail: video.Thumbnail,
		Poster:    video.Poster,
		Title:     video.Title,
	}}
	s.append(&entry, delta)
}

func (s *State) matchPlaceholder(title, thumbnail string) *Entry {
	if title != "" {
		for _, e := range s.entries {
			if e.Video != nil && e.Video.Title == title {
				return e
			}
		}
	}
	if thumbnail != "" {
		for _, e := range s.entries {
			if e.Video != nil && e.Video.Thumbnail == thumbnail {
				return e
			}
		}
	}
	return nil
}

// mergeResolved attaches a resolved reference. Fingerprint dedup runs first;
// then the artifact fills an unresolved placeholder matched by poster, or
// the most recent unresolved placeholder, and is only appended as a fresh
// entry when no placeholder is waiting.
func (s *State) mergeResolved(video *extract.RawVideo, delta *Delta) bool {
	fingerprint := extract.Fingerprint(video.PlayableURL)
	if fingerprint == "" || s.fingerprints[fingerprint] {
		return false
	}
	s.fingerprints[fingerprint] = true

	target := s.matchResolvedTarget(video.Poster)
	if target != nil {
		target.Video.URL = video.PlayableURL
		target.Video.Fingerprint = fingerprint
		if video.Poster != "" {
			target.Video.Poster = video.Poster
		}
		if video.Title != "" {
			target.Video.Title = video.Title
		}
		delta.Updated = append(delta.Updated, *target)
		return true
	}

	entry := Entry{Role: RoleAgent, Video: &Video{
		Thumbnail:   video.Thumbnail,
		Poster:      video.Poster,
		Title:       video.Title,
		URL:         video.PlayableURL,
		Fingerprint: fingerprint,
	}}
	s.append(&entry, delta)
	return true
}

// matchResolvedTarget prefers poster equality; with no poster match it falls
// back to the most recent unresolved placeholder. The fallback is
// best-effort and can misattribute when two generations are pending at once.
func (s *State) matchResolvedTarget(poster string) *Entry {
	if poster != "" {
		for _, e := range s.entries {
			if e.Video != nil && !e.Video.Resolved() && e.Video.Poster == poster {
				return e
			}
		}
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Video != nil && !s.entries[i].Video.Resolved() {
			return s.entries[i]
		}
	}
	return nil
}

func (s *State) trim() {
	if len(s.entries) > maxEntries {
		s.entries = s.entries[len(s.entries)-maxEntries:]
	}
}

func sameImages(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
