package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"mirage/internal/browser"

	"go.uber.org/zap"
)

// Selectors identifies the surface elements of the remote application. The
// sampler is agnostic to the exact markup; deployments override these to
// track upstream changes.
type Selectors struct {
	TranscriptEntry string `yaml:"transcript_entry"`
	UserTurn        string `yaml:"user_turn"`
	VideoCard       string `yaml:"video_card"`
	VideoElement    string `yaml:"video_element"`
	ProgressWidget  string `yaml:"progress_widget"`
	Composer        string `yaml:"composer"`
	SendButton      string `yaml:"send_button"`
}

// DefaultSelectors returns the selector set for the current upstream build.
func DefaultSelectors() Selectors {
	return Selectors{
		TranscriptEntry: "[data-message-role]",
		UserTurn:        `[data-message-role="user"]`,
		VideoCard:       "[data-video-card]",
		VideoElement:    "video[src]",
		ProgressWidget:  "[data-generation-progress]",
		Composer:        "textarea[data-composer]",
		SendButton:      "button[data-send]",
	}
}

// Sampler reads the rendered surface of a browsing context. Sampling is
// side-effect free with respect to transcript state; only ResolveVideo
// interacts with the page.
type Sampler struct {
	sel    Selectors
	logger *zap.Logger

	// resolvePollInterval paces the wait for a materialized player.
	resolvePollInterval time.Duration
	resolveAttempts     int
}

func NewSampler(sel Selectors, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		sel:                 sel,
		logger:              logger,
		resolvePollInterval: 250 * time.Millisecond,
		resolveAttempts:     20,
	}
}

// rawElement is the wire shape produced by the sampling script.
type rawElement struct {
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	Thumbnail string `json:"thumbnail"`
	Poster    string `json:"poster"`
	Title     string `json:"title"`
	Src       string `json:"src"`
	CardIndex int    `json:"cardIndex"`
}

type rawSample struct {
	Entries  []rawElement `json:"entries"`
	Progress *Progress    `json:"progress"`
}

// Sample reads the surface once and returns the classified snapshot.
func (s *Sampler) Sample(ctx context.Context, a browser.Automation) (*Snapshot, error) {
	raw, err := a.Eval(ctx, s.sampleJS())
	if err != nil {
		return nil, fmt.Errorf("sample surface: %w", err)
	}
	if raw == nil {
		return &Snapshot{}, nil
	}

	var sample rawSample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}

	snap := &Snapshot{Progress: sample.Progress}
	for _, el := range sample.Entries {
		entry, ok := s.classify(el)
		if !ok {
			continue
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, nil
}

// classify validates a raw element at the extraction boundary so only
// well-formed entries reach the merge engine.
func (s *Sampler) classify(el rawElement) (RawEntry, bool) {
	switch Kind(el.Kind) {
	case KindUserTurn:
		text := NormalizeText(el.Text)
		images := imageRefs(el.HTML)
		if text == "" && len(images) == 0 {
			return RawEntry{}, false
		}
		return RawEntry{Kind: KindUserTurn, Text: text, Images: images}, true
	case KindAgentText:
		text := NormalizeText(el.Text)
		if text == "" {
			return RawEntry{}, false
		}
		return RawEntry{Kind: KindAgentText, Text: text}, true
	case KindVideoPlaceholder:
		if el.Thumbnail == "" && el.Title == "" && el.Poster == "" {
			return RawEntry{}, false
		}
		return RawEntry{Kind: KindVideoPlaceholder, Video: &RawVideo{
			Thumbnail: el.Thumbnail,
			Poster:    el.Poster,
			Title:     NormalizeText(el.Title),
			CardIndex: el.CardIndex,
		}}, true
	case KindVideoResolved:
		if el.Src == "" {
			return RawEntry{}, false
		}
		return RawEntry{Kind: KindVideoResolved, Video: &RawVideo{
			Thumbnail:   el.Thumbnail,
			Poster:      el.Poster,
			Title:       NormalizeText(el.Title),
			PlayableURL: el.Src,
			CardIndex:   el.CardIndex,
		}}, true
	default:
		return RawEntry{}, false
	}
}

// SampleProgress reads only the generation-progress widget. It shares the
// single sampling path so the widget is never read through separate logic.
func (s *Sampler) SampleProgress(ctx context.Context, a browser.Automation) (*Progress, error) {
	snap, err := s.Sample(ctx, a)
	if err != nil {
		return nil, err
	}
	if snap.Progress == nil {
		return &Progress{}, nil
	}
	return snap.Progress, nil
}

// ResolveVideo opens the video card at cardIndex (-1 for the newest), waits
// for the remote surface to materialize a playable element, reads its
// reference, and dismisses the player. Callers run this inside the session's
// serialization point so no other automation interleaves with the transient
// UI state.
func (s *Sampler) ResolveVideo(ctx context.Context, a browser.Automation, cardIndex int) (*ResolvedVideo, error) {
	opened, err := a.Eval(ctx, s.openCardJS(cardIndex))
	if err != nil {
		return nil, fmt.Errorf("open video card: %w", err)
	}
	var ok bool
	if err := json.Unmarshal(opened, &ok); err != nil || !ok {
		return nil, fmt.Errorf("no video card at index %d", cardIndex)
	}

	defer func() {
		if derr := a.PressEscape(ctx); derr != nil {
			s.logger.Warn("failed to dismiss video player", zap.Error(derr))
		}
	}()

	for attempt := 0; attempt < s.resolveAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		raw, err := a.Eval(ctx, s.readPlayerJS())
		if err != nil {
			return nil, fmt.Errorf("read player: %w", err)
		}
		if raw != nil {
			var resolved ResolvedVideo
			if err := json.Unmarshal(raw, &resolved); err == nil && resolved.VideoURL != "" {
				resolved.Title = NormalizeText(resolved.Title)
				return &resolved, nil
			}
		}
		time.Sleep(s.resolvePollInterval)
	}
	return nil, fmt.Errorf("video did not materialize after %d attempts", s.resolveAttempts)
}

func (s *Sampler) sampleJS() string {
	return fmt.Sprintf(`
	() => {
		const out = { entries: [], progress: null };
		let cardIndex = 0;

		for (const el of document.querySelectorAll(%q)) {
			const role = el.getAttribute('data-message-role') || '';
			if (role === 'user') {
				out.entries.push({
					kind: 'user-turn',
					text: el.innerText || '',
					html: el.innerHTML || ''
				});
				continue;
			}

			const card = el.querySelector(%q);
			if (card) {
				const video = card.querySelector(%q);
				const img = card.querySelector('img');
				const title = (card.getAttribute('data-title') || card.querySelector('[data-card-title]')?.innerText || '');
				if (video && video.src) {
					out.entries.push({
						kind: 'agent-turn-video-resolved',
						src: video.src,
						poster: video.poster || '',
						title,
						cardIndex
					});
				} else {
					out.entries.push({
						kind: 'agent-turn-video-placeholder',
						thumbnail: img ? img.src : '',
						poster: card.getAttribute('data-poster') || '',
						title,
						cardIndex
					});
				}
				cardIndex++;
				continue;
			}

			out.entries.push({ kind: 'agent-turn-text', text: el.innerText || '' });
		}

		const widget = document.querySelector(%q);
		if (widget) {
			const steps = Array.from(widget.querySelectorAll('[data-step]')).map(n => n.innerText || '');
			const current = widget.querySelector('[data-step-current]');
			out.progress = {
				isActive: widget.getAttribute('data-active') !== 'false',
				percentage: parseInt(widget.getAttribute('data-percent') || '0', 10) || 0,
				currentStep: current ? (current.innerText || '') : '',
				steps
			};
		}
		return out;
	}
	`, s.sel.TranscriptEntry, s.sel.VideoCard, s.sel.VideoElement, s.sel.ProgressWidget)
}

func (s *Sampler) openCardJS(cardIndex int) string {
	return fmt.Sprintf(`
	() => {
		const cards = document.querySelectorAll(%q);
		if (!cards.length) return false;
		const idx = %d < 0 ? cards.length - 1 : %d;
		const card = cards[idx];
		if (!card) return false;
		card.click();
		return true;
	}
	`, s.sel.VideoCard, cardIndex, cardIndex)
}

func (s *Sampler) readPlayerJS() string {
	return fmt.Sprintf(`
	() => {
		const video = document.querySelector(%q);
		if (!video || !video.src) return null;
		const title = document.querySelector('[data-player-title]');
		return {
			videoUrl: video.src,
			poster: video.poster || '',
			title: title ? (title.innerText || '') : ''
		};
	}
	`, s.sel.VideoElement)
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeText collapses whitespace so entry identity survives rendering
// differences between samples.
func NormalizeText(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// imageRefs extracts img sources from an entry's HTML fragment.
func imageRefs(fragment string) []string {
	if fragment == "" {
		return nil
	}
	node, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}

	var refs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && attr.Val != "" {
					refs = append(refs, attr.Val)
					break
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return refs
}
