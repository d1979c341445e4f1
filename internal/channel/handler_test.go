package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/internal/auth"
	"mirage/internal/browser"
	"mirage/internal/browser/browsertest"
	"mirage/internal/extract"
	"mirage/internal/session"
)

const testSecret = "channel-test-secret"

// harness wires a handler to an httptest server with a scriptable surface.
type harness struct {
	t       *testing.T
	server  *httptest.Server
	handler *Handler

	mu      sync.Mutex
	surface string
	player  string
}

// setSurface scripts the JSON the sampling script returns on the next reads.
func (h *harness) setSurface(payload string) {
	h.mu.Lock()
	h.surface = payload
	h.mu.Unlock()
}

func (h *harness) setPlayer(payload string) {
	h.mu.Lock()
	h.player = payload
	h.mu.Unlock()
}

func (h *harness) eval(js string) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.Contains(js, "card.click()"):
		return json.RawMessage(`true`), nil
	case strings.Contains(js, "videoUrl"):
		if h.player == "" {
			return json.RawMessage(`null`), nil
		}
		return json.RawMessage(h.player), nil
	default:
		if h.surface == "" {
			return json.RawMessage(`{"entries": []}`), nil
		}
		return json.RawMessage(h.surface), nil
	}
}

type harnessFactory struct {
	h *harness
}

func (f *harnessFactory) NewContext(ctx context.Context) (browser.Automation, error) {
	fake := browsertest.New()
	fake.EvalFn = f.h.eval
	return fake, nil
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithOrigin(t, "*")
}

func newHarnessWithOrigin(t *testing.T, allowedOrigin string) *harness {
	t.Helper()
	h := &harness{t: t}

	registry := session.NewRegistry(session.Config{
		LandingURL: "https://upstream.example.com/",
	}, &harnessFactory{h: h}, nil, nil)
	t.Cleanup(registry.InvalidateAll)

	upstream, err := url.Parse("https://upstream.example.com")
	require.NoError(t, err)

	sel := extract.DefaultSelectors()
	h.handler = NewHandler(
		auth.NewVerifier(testSecret),
		registry,
		extract.NewSampler(sel, nil),
		sel,
		upstream,
		allowedOrigin,
		nil,
	)
	h.server = httptest.NewServer(h.handler)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, cmd Command) Reply {
	t.Helper()
	require.NoError(t, ws.WriteJSON(cmd))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	return reply
}

func mintToken(t *testing.T, secret, email string) string {
	t.Helper()
	claims := &auth.Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{
		Action: "authenticate",
		ID:     "auth-1",
		Token:  mintToken(t, testSecret, "user@example.com"),
	})
	assert.True(t, reply.Success)
	assert.Equal(t, "authenticated", reply.Type)
	assert.Equal(t, "auth-1", reply.ID)
	assert.Equal(t, "user@example.com", reply.Identity)
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{
		Action: "authenticate",
		Token:  mintToken(t, "wrong-secret", "user@example.com"),
	})
	assert.False(t, reply.Success)
	assert.Equal(t, "authentication_failed", reply.Type)
	assert.NotEmpty(t, reply.Error)
}

func TestNavigateResolvesRelativeURL(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "navigate", ID: "nav-1", URL: "/chat/abc"})
	assert.True(t, reply.Success)
	assert.Equal(t, "https://upstream.example.com/chat/abc", reply.URL)
	assert.Equal(t, "nav-1", reply.ID)
}

func TestNavigateRequiresURL(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "navigate"})
	assert.False(t, reply.Success)
	assert.Equal(t, "url required", reply.Error)
}

func TestStreamedTextYieldsSingleEntry(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	surface := `{"entries": [
		{"kind": "user-turn", "text": "hi"},
		{"kind": "agent-turn-text", "text": %q}
	]}`

	var last Reply
	for _, text := range []string{"H", "He", "Hello"} {
		h.setSurface(fmt.Sprintf(surface, text))
		last = roundTrip(t, ws, Command{Action: "get_messages"})
		require.True(t, last.Success)
	}

	require.Len(t, last.Messages, 2, "streamed growth must overwrite, not append")
	assert.Equal(t, "hi", last.Messages[0].Text)
	assert.Equal(t, "Hello", last.Messages[1].Text)

	// A repeat observation of the settled surface yields an empty delta.
	again := roundTrip(t, ws, Command{Action: "get_messages"})
	require.NotNil(t, again.Delta)
	assert.Empty(t, again.Delta.Added)
	assert.Empty(t, again.Delta.Updated)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "send_message", ID: "m-1", Message: "make me a video"})
	assert.True(t, reply.Success)
	assert.Equal(t, "m-1", reply.ID)
}

func TestSendMessageRequiresText(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "send_message"})
	assert.False(t, reply.Success)
	assert.Equal(t, "message required", reply.Error)
}

func TestGetGenerationProgress(t *testing.T) {
	h := newHarness(t)
	h.setSurface(`{"entries": [], "progress": {"isActive": true, "percentage": 65, "currentStep": "Rendering"}}`)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "get_generation_progress"})
	require.True(t, reply.Success)

	data, err := json.Marshal(reply.Data)
	require.NoError(t, err)
	var progress extract.Progress
	require.NoError(t, json.Unmarshal(data, &progress))
	assert.True(t, progress.IsActive)
	assert.Equal(t, 65, progress.Percentage)
	assert.Equal(t, "Rendering", progress.CurrentStep)
}

func TestGetVideoURLResolvesPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.setSurface(`{"entries": [
		{"kind": "agent-turn-video-placeholder", "thumbnail": "thumb-1", "poster": "poster-1", "title": "Sunset", "cardIndex": 0}
	]}`)
	h.setPlayer(`{"videoUrl": "https://cdn.example.com/v/0123456789abcdef0123.mp4", "poster": "poster-1"}`)
	ws := h.dial()

	// Seed the transcript with the placeholder, then resolve it.
	first := roundTrip(t, ws, Command{Action: "get_messages"})
	require.True(t, first.Success)
	require.Len(t, first.Messages, 1)
	require.NotNil(t, first.Messages[0].Video)
	assert.Empty(t, first.Messages[0].Video.URL)

	reply := roundTrip(t, ws, Command{Action: "get_video_url", ID: "v-1"})
	require.True(t, reply.Success)

	data, err := json.Marshal(reply.Data)
	require.NoError(t, err)
	var resolved extract.ResolvedVideo
	require.NoError(t, json.Unmarshal(data, &resolved))
	assert.Equal(t, "https://cdn.example.com/v/0123456789abcdef0123.mp4", resolved.VideoURL)

	after := roundTrip(t, ws, Command{Action: "get_messages"})
	require.Len(t, after.Messages, 1, "resolution must transition the placeholder in place")
	assert.Equal(t, resolved.VideoURL, after.Messages[0].Video.URL)
}

func TestInitialLoadResolvesAllPlaceholders(t *testing.T) {
	h := newHarness(t)
	h.setSurface(`{"entries": [
		{"kind": "user-turn", "text": "two videos please"},
		{"kind": "agent-turn-video-placeholder", "thumbnail": "thumb-1", "poster": "poster-1", "cardIndex": 0}
	]}`)
	h.setPlayer(`{"videoUrl": "https://cdn.example.com/v/0123456789abcdef0123.mp4", "poster": "poster-1"}`)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "initial_load"})
	require.True(t, reply.Success)
	require.Len(t, reply.Messages, 2)
	require.NotNil(t, reply.Messages[1].Video)
	assert.True(t, reply.Messages[1].Video.URL != "", "initial load must resolve outstanding placeholders")
}

func TestRepliesPreserveSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	ids := []string{"c-1", "c-2", "c-3", "c-4"}
	for _, id := range ids {
		require.NoError(t, ws.WriteJSON(Command{Action: "get_messages", ID: id}))
	}
	for _, id := range ids {
		var reply Reply
		require.NoError(t, ws.ReadJSON(&reply))
		assert.Equal(t, id, reply.ID)
	}
}

func TestMalformedCommand(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var reply Reply
	require.NoError(t, ws.ReadJSON(&reply))
	assert.False(t, reply.Success)
	assert.Equal(t, "malformed command", reply.Error)
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	reply := roundTrip(t, ws, Command{Action: "self_destruct"})
	assert.False(t, reply.Success)
	assert.Equal(t, "unknown action", reply.Error)
}

func TestLogoutReleasesSession(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	auth1 := roundTrip(t, ws, Command{
		Action: "authenticate",
		Token:  mintToken(t, testSecret, "user@example.com"),
	})
	require.True(t, auth1.Success)

	// Materialize the session, then log out.
	require.True(t, roundTrip(t, ws, Command{Action: "get_messages"}).Success)
	assert.Equal(t, 1, h.handler.registry.Count())

	reply := roundTrip(t, ws, Command{Action: "logout"})
	assert.True(t, reply.Success)
	assert.Equal(t, 0, h.handler.registry.Count())

	// Logging out twice is not an error.
	assert.True(t, roundTrip(t, ws, Command{Action: "logout"}).Success)
}

func TestReauthenticationDoesNotTransferSession(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	h.setSurface(`{"entries": [{"kind": "user-turn", "text": "alice private"}]}`)
	require.True(t, roundTrip(t, ws, Command{
		Action: "authenticate",
		Token:  mintToken(t, testSecret, "alice@example.com"),
	}).Success)
	require.True(t, roundTrip(t, ws, Command{Action: "get_messages"}).Success)

	h.setSurface(`{"entries": []}`)
	require.True(t, roundTrip(t, ws, Command{
		Action: "authenticate",
		Token:  mintToken(t, testSecret, "bob@example.com"),
	}).Success)

	bob := roundTrip(t, ws, Command{Action: "get_messages"})
	require.True(t, bob.Success)
	assert.Empty(t, bob.Messages, "a different identity must start from its own session")

	// Alice keeps her session, transcript and all, under her own key.
	alice, ok := h.handler.registry.Lookup("alice@example.com")
	require.True(t, ok)
	entries := alice.Transcript().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice private", entries[0].Text)
	assert.Equal(t, 2, h.handler.registry.Count())
}

func TestUpgradeEnforcesConfiguredOrigin(t *testing.T) {
	h := newHarnessWithOrigin(t, "https://app.example.com")
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Origin": []string{"https://evil.example.com"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	allowed, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Origin": []string{"https://app.example.com"},
	})
	require.NoError(t, err)
	_ = allowed.Close()

	// Non-browser clients send no Origin header and are accepted.
	bare, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = bare.Close()
}

func TestAuthenticateRekeysAnonymousSession(t *testing.T) {
	h := newHarness(t)
	ws := h.dial()

	h.setSurface(`{"entries": [{"kind": "user-turn", "text": "before login"}]}`)
	first := roundTrip(t, ws, Command{Action: "get_messages"})
	require.True(t, first.Success)
	require.Len(t, first.Messages, 1)

	reply := roundTrip(t, ws, Command{
		Action: "authenticate",
		Token:  mintToken(t, testSecret, "user@example.com"),
	})
	require.True(t, reply.Success)

	// The transcript built anonymously survives authentication.
	after := roundTrip(t, ws, Command{Action: "get_messages"})
	require.Len(t, after.Messages, 1)
	assert.Equal(t, "before login", after.Messages[0].Text)
	assert.Equal(t, 1, h.handler.registry.Count())
}
