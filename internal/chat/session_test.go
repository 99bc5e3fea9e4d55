package chat

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/anonchat/internal/engine"
)

// fakePeer records what the session sends and how it closes, standing in
// for the transport layer.
type fakePeer struct {
	id string

	mu     sync.Mutex
	open   bool
	sent   [][]byte
	reason CloseReason
	closed bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: uuid.NewString(), open: true}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	p.sent = append(p.sent, buf)
	return nil
}

func (p *fakePeer) Close(reason CloseReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.open = false
	p.reason = reason
	return nil
}

// frames decodes everything sent so far.
func (p *fakePeer) frames(t *testing.T) []ServerFrame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ServerFrame, 0, len(p.sent))
	for _, raw := range p.sent {
		var f ServerFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (p *fakePeer) lastFrame(t *testing.T) ServerFrame {
	t.Helper()
	frames := p.frames(t)
	require.NotEmpty(t, frames, "peer %s received no frames", p.id)
	return frames[len(frames)-1]
}

func (p *fakePeer) closedWith() (CloseReason, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason, p.closed
}

func newTestHandler(t *testing.T, opts engine.Options) *Handler {
	t.Helper()
	if opts.RateLimitTokens == 0 {
		// Tests drive many frames through one connection in well under a
		// second; keep the limiter out of the way unless a test wants it.
		opts.RateLimitTokens = 1000
	}
	logger := zaptest.NewLogger(t)
	return NewHandler(engine.New(opts, logger), logger, time.Minute)
}

func join(s *Session, name string) {
	s.HandleFrame([]byte(`{"type":"JOIN","name":"` + name + `"}`))
}

func TestFirstJoinerWaits(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)

	join(sess, "Alice")

	assert.Equal(t, TypeWaiting, alice.lastFrame(t).Type)
	_, closed := alice.closedWith()
	assert.False(t, closed)
}

func TestSecondJoinerCompletesMatch(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice, bob := newFakePeer(), newFakePeer()
	aliceSess, bobSess := h.Attach(alice), h.Attach(bob)

	join(aliceSess, "Alice")
	join(bobSess, "Bob")

	aliceMatch := alice.lastFrame(t)
	assert.Equal(t, TypeMatched, aliceMatch.Type)
	assert.Equal(t, RoleInitiator, aliceMatch.Role)
	assert.Equal(t, "Bob", aliceMatch.PartnerName)

	bobMatch := bob.lastFrame(t)
	assert.Equal(t, TypeMatched, bobMatch.Type)
	assert.Equal(t, RolePeer, bobMatch.Role)
	assert.Equal(t, "Alice", bobMatch.PartnerName)
}

func TestMessageRelaysVerbatim(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice, bob := newFakePeer(), newFakePeer()
	aliceSess, bobSess := h.Attach(alice), h.Attach(bob)
	join(aliceSess, "Alice")
	join(bobSess, "Bob")

	raw := `{"type":"MESSAGE","content":"hi"}`
	aliceSess.HandleFrame([]byte(raw))

	last := bob.lastFrame(t)
	assert.Equal(t, TypeMessage, last.Type)
	assert.Equal(t, "hi", last.Content)
	assert.JSONEq(t, raw, string(bob.sent[len(bob.sent)-1]))
}

func TestUnknownFrameTypeRelays(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice, bob := newFakePeer(), newFakePeer()
	aliceSess, bobSess := h.Attach(alice), h.Attach(bob)
	join(aliceSess, "Alice")
	join(bobSess, "Bob")

	aliceSess.HandleFrame([]byte(`{"type":"TYPING","content":"..."}`))

	assert.Equal(t, "TYPING", bob.lastFrame(t).Type)
}

func TestDisconnectNotifiesAndClosesPartner(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice, bob := newFakePeer(), newFakePeer()
	aliceSess, bobSess := h.Attach(alice), h.Attach(bob)
	join(aliceSess, "Alice")
	join(bobSess, "Bob")

	require.NoError(t, alice.Close(ReasonNormal))
	aliceSess.HandleClose()

	assert.Equal(t, TypePartnerDisconnected, bob.lastFrame(t).Type)
	reason, closed := bob.closedWith()
	require.True(t, closed)
	assert.Equal(t, ReasonNormal, reason)
}

func TestHandleCloseIdempotent(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice, bob := newFakePeer(), newFakePeer()
	aliceSess, bobSess := h.Attach(alice), h.Attach(bob)
	join(aliceSess, "Alice")
	join(bobSess, "Bob")

	require.NoError(t, alice.Close(ReasonNormal))
	aliceSess.HandleClose()
	before := len(bob.frames(t))
	aliceSess.HandleClose()

	assert.Len(t, bob.frames(t), before, "second close must notify nobody")
}

func TestDisconnectWhileWaitingIsSilent(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)
	join(sess, "Alice")

	require.NoError(t, alice.Close(ReasonNormal))
	sess.HandleClose()

	// A later joiner must never be paired with the departed waiter.
	bob := newFakePeer()
	bobSess := h.Attach(bob)
	join(bobSess, "Bob")
	assert.Equal(t, TypeWaiting, bob.lastFrame(t).Type)
}

func TestChatBeforeJoinIsPolicyViolation(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)

	sess.HandleFrame([]byte(`{"type":"MESSAGE","content":"hi"}`))

	reason, closed := alice.closedWith()
	require.True(t, closed)
	assert.Equal(t, ReasonPolicyViolation, reason)
}

func TestMalformedFrameClosesBadData(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)

	sess.HandleFrame([]byte(`{"type":`))

	reason, closed := alice.closedWith()
	require.True(t, closed)
	assert.Equal(t, ReasonBadData, reason)
}

func TestMessageWithoutPartnerIsSoftError(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)
	join(sess, "Alice")

	sess.HandleFrame([]byte(`{"type":"MESSAGE","content":"anyone?"}`))

	last := alice.lastFrame(t)
	assert.Equal(t, TypeError, last.Type)
	assert.Equal(t, "no partner connected", last.Message)
	_, closed := alice.closedWith()
	assert.False(t, closed, "a missing partner must not end the connection")
}

func TestInvalidNameRejectedWithError(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)

	join(sess, "<script>")

	assert.Equal(t, TypeError, alice.lastFrame(t).Type)
	_, closed := alice.closedWith()
	assert.False(t, closed)

	// The connection may retry with a valid name.
	join(sess, "Alice")
	assert.Equal(t, TypeWaiting, alice.lastFrame(t).Type)
}

func TestOverlongNameRejected(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)

	join(sess, strings.Repeat("a", 51))

	assert.Equal(t, TypeError, alice.lastFrame(t).Type)
}

func TestJoinWithoutNameDefaultsToStranger(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice, bob := newFakePeer(), newFakePeer()
	aliceSess, bobSess := h.Attach(alice), h.Attach(bob)

	aliceSess.HandleFrame([]byte(`{"type":"JOIN"}`))
	join(bobSess, "Bob")

	assert.Equal(t, DefaultName, bob.lastFrame(t).PartnerName)
}

func TestRepeatedJoinIsIgnored(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)
	join(sess, "Alice")
	before := len(alice.frames(t))

	join(sess, "Alice2")

	assert.Len(t, alice.frames(t), before, "second JOIN must send nothing")
	name, ok := h.eng.Name(alice.ID())
	require.True(t, ok)
	assert.Equal(t, "Alice", name, "first binding wins")
}

func TestPingPong(t *testing.T) {
	h := newTestHandler(t, engine.Options{})
	alice := newFakePeer()
	sess := h.Attach(alice)

	sess.HandleFrame([]byte(`{"type":"PING"}`))
	assert.Equal(t, TypePong, alice.lastFrame(t).Type)

	// PONG works in every state, paired included.
	join(sess, "Alice")
	sess.HandleFrame([]byte(`{"type":"PING"}`))
	assert.Equal(t, TypePong, alice.lastFrame(t).Type)
}

func TestRateLimitDropsSilently(t *testing.T) {
	h := newTestHandler(t, engine.Options{
		RateLimitTokens:   2,
		RateLimitInterval: time.Hour,
	})
	alice := newFakePeer()
	sess := h.Attach(alice)

	sess.HandleFrame([]byte(`{"type":"PING"}`))
	sess.HandleFrame([]byte(`{"type":"PING"}`))
	require.Len(t, alice.frames(t), 2)

	sess.HandleFrame([]byte(`{"type":"PING"}`))

	assert.Len(t, alice.frames(t), 2, "over-limit frames are dropped without a reply")
	_, closed := alice.closedWith()
	assert.False(t, closed)
}

func TestQueueFullClosesJoiner(t *testing.T) {
	h := newTestHandler(t, engine.Options{QueueCapacity: 1})
	alice, bob := newFakePeer(), newFakePeer()
	join(h.Attach(alice), "Alice")
	require.Equal(t, 1, h.eng.QueueLen())

	join(h.Attach(bob), "Bob")

	last := bob.lastFrame(t)
	assert.Equal(t, TypeError, last.Type)
	assert.Equal(t, "queue full", last.Message)
	reason, closed := bob.closedWith()
	require.True(t, closed)
	assert.Equal(t, ReasonServerError, reason)
}

func TestWatchdogKillsUnauthenticatedConnection(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eng := engine.New(engine.Options{}, logger)
	h := NewHandler(eng, logger, 20*time.Millisecond)
	alice := newFakePeer()
	h.Attach(alice)

	require.Eventually(t, func() bool {
		_, closed := alice.closedWith()
		return closed
	}, time.Second, 5*time.Millisecond)

	reason, _ := alice.closedWith()
	assert.Equal(t, ReasonPolicyViolation, reason)
}

func TestWatchdogSparesAuthenticatedConnection(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eng := engine.New(engine.Options{}, logger)
	h := NewHandler(eng, logger, 20*time.Millisecond)
	alice := newFakePeer()
	sess := h.Attach(alice)
	join(sess, "Alice")

	time.Sleep(60 * time.Millisecond)

	_, closed := alice.closedWith()
	assert.False(t, closed, "a joined connection must outlive the grace period")
}
