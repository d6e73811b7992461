package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/erpchat/internal/store"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *recordingHandler) record(kind string, env *Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, kind)
	return h.err
}

func (h *recordingHandler) AnswerCall(_ context.Context, _ int64, env *Envelope) error {
	return h.record("offer", env)
}

func (h *recordingHandler) HandleAnswer(_ context.Context, env *Envelope) error {
	return h.record("answer", env)
}

func (h *recordingHandler) HandleCandidate(_ context.Context, env *Envelope) error {
	return h.record("candidate:"+env.Candidate.Candidate, env)
}

func (h *recordingHandler) got() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type recordingPoster struct {
	bodies   []string
	subjects []string
	err      error
}

func (p *recordingPoster) PostMessage(_ context.Context, _ int64, body, subject string) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.bodies = append(p.bodies, body)
	p.subjects = append(p.subjects, subject)
	return int64(len(p.bodies)), nil
}

func msg(body string) store.Message {
	return store.Message{ServerID: 1, ChannelID: 105, Body: body}
}

func candidate(sid int64, c string) string {
	env := Envelope{Type: TypeCandidate, SessionID: sid, Candidate: &Candidate{Candidate: c}, From: "7"}
	body, _ := env.Encode()
	return body
}

func TestParse(t *testing.T) {
	valid := map[string]string{
		"offer":     `{"type":"sdp-offer","sessionId":42,"sdp":"v=0","timestamp":1,"from":"7"}`,
		"answer":    `{"type":"sdp-answer","sessionId":42,"sdp":"v=0","timestamp":1,"from":"7"}`,
		"candidate": `{"type":"ice-candidate","sessionId":42,"candidate":{"candidate":"candidate:1 1 UDP 2113667326 192.168.1.100 54400 typ host","sdpMid":"0","sdpMLineIndex":0},"from":"7"}`,
		"padded":    "  \n" + `{"type":"sdp-offer","sessionId":42,"sdp":"v=0"}` + "\n",
	}
	for name, body := range valid {
		t.Run(name, func(t *testing.T) {
			env, err := Parse(body)
			require.NoError(t, err)
			assert.Equal(t, int64(42), env.SessionID)
		})
	}

	invalid := map[string]string{
		"plain text":      "Hello there",
		"broken json":     `{"type":"sdp-offer",`,
		"unknown type":    `{"type":"hangup","sessionId":42}`,
		"no session":      `{"type":"sdp-offer","sdp":"v=0"}`,
		"offer no sdp":    `{"type":"sdp-offer","sessionId":42}`,
		"candidate empty": `{"type":"ice-candidate","sessionId":42}`,
		"json array":      `[1,2,3]`,
		"other json":      `{"hello":"world"}`,
		"session case":    `{"type":"sdp-offer","SESSIONID":42,"sdp":"v=0"}`,
		"sdp case":        `{"type":"sdp-answer","sessionId":42,"SDP":"v=0"}`,
		"candidate case":  `{"type":"ice-candidate","sessionId":42,"candidate":{"Candidate":"c"}}`,
	}
	for name, body := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(body)
			assert.ErrorIs(t, err, ErrNotEnvelope)
		})
	}
}

func TestEncodeRoundTripsThroughParse(t *testing.T) {
	mid := "0"
	env := Envelope{Type: TypeCandidate, SessionID: 9, Candidate: &Candidate{Candidate: "c", SDPMid: &mid}, Timestamp: 5, From: "7"}
	body, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, body, `"sessionId":9`)

	got, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, env, *got)

	_, err = (&Envelope{Type: TypeOffer, SessionID: 1}).Encode()
	assert.ErrorIs(t, err, ErrNotEnvelope)
}

func TestLooksLikeEnvelope(t *testing.T) {
	assert.True(t, LooksLikeEnvelope(store.Message{Subject: Marker, Body: "anything"}))
	assert.True(t, LooksLikeEnvelope(msg(`{"type":"sdp-offer","sessionId":42}`)))
	assert.False(t, LooksLikeEnvelope(msg("see you at 5")))
}

// Every body Parse accepts must pass the prefilter, so an unmarked envelope
// is never shown as chat.
func TestPrefilterAgreesWithParse(t *testing.T) {
	bodies := []string{
		`{"type":"sdp-offer","sessionId":42,"sdp":"v=0"}`,
		`{"type":"sdp-offer","SESSIONID":42,"sdp":"v=0"}`,
		`{"type":"sdp-offer","sessionid":42,"sdp":"v=0"}`,
		`{"type":"ice-candidate","sessionId":42,"candidate":{"candidate":"c"}}`,
		`{"Type":"sdp-answer","sessionId":42,"sdp":"v=0"}`,
	}
	for _, body := range bodies {
		_, err := Parse(body)
		if err == nil {
			assert.True(t, LooksLikeEnvelope(msg(body)), "parsed but prefiltered out: %s", body)
		}
	}
}

// An inbound offer for session 42 is consumed, not displayed, and reaches
// the call layer.
func TestInspectRoutesOffer(t *testing.T) {
	h := &recordingHandler{}
	a := NewAdapter("3", &recordingPoster{}, nil, Options{})
	a.SetHandler(h)

	consumed := a.Inspect(context.Background(), msg(`{"type":"sdp-offer","sessionId":42,"sdp":"v=0","timestamp":1,"from":"7"}`))
	assert.True(t, consumed)
	assert.Equal(t, []string{"offer"}, h.got())
}

func TestInspectIgnoresChat(t *testing.T) {
	h := &recordingHandler{}
	a := NewAdapter("3", &recordingPoster{}, nil, Options{})
	a.SetHandler(h)

	for _, body := range []string{"hello", `{"not":"signaling","sessionId":1}`, `{"type":"sdp-offer","sessionId":`} {
		assert.False(t, a.Inspect(context.Background(), msg(body)), body)
	}
	// The marker alone does not make a message signaling.
	assert.False(t, a.Inspect(context.Background(), store.Message{ChannelID: 1, Subject: Marker, Body: "hi"}))
	assert.Empty(t, h.got())
}

func TestInspectDiscardsOwnEnvelopes(t *testing.T) {
	h := &recordingHandler{}
	a := NewAdapter("7", &recordingPoster{}, nil, Options{})
	a.SetHandler(h)

	consumed := a.Inspect(context.Background(), msg(`{"type":"sdp-offer","sessionId":42,"sdp":"v=0","from":"7"}`))
	assert.True(t, consumed, "own echo is consumed so it is not displayed")
	assert.Empty(t, h.got(), "own echo must not reach the call layer")
}

func TestOutOfOrderEnvelopesAreBuffered(t *testing.T) {
	h := &recordingHandler{}
	a := NewAdapter("3", &recordingPoster{}, nil, Options{})
	a.SetHandler(h)
	ctx := context.Background()

	// Candidates and the answer arrive before the local offer finished.
	a.Inspect(ctx, msg(candidate(42, "c1")))
	a.Inspect(ctx, msg(`{"type":"sdp-answer","sessionId":42,"sdp":"v=0","from":"7"}`))
	a.Inspect(ctx, msg(candidate(42, "c2")))
	assert.Empty(t, h.got())
	assert.Equal(t, 3, a.Buffered(42))

	// Peer exists: the answer applies, candidates still wait.
	a.PeerOpened(ctx, 42)
	assert.Equal(t, []string{"answer"}, h.got())
	assert.Equal(t, 2, a.Buffered(42))

	a.PeerReady(ctx, 42)
	assert.Equal(t, []string{"answer", "candidate:c1", "candidate:c2"}, h.got())
	assert.Zero(t, a.Buffered(42))

	// Once ready, candidates apply directly.
	a.Inspect(ctx, msg(candidate(42, "c3")))
	assert.Equal(t, "candidate:c3", h.got()[3])
}

func TestBufferBoundsAndExpiry(t *testing.T) {
	h := &recordingHandler{}
	a := NewAdapter("3", &recordingPoster{}, nil, Options{MaxBuffered: 2, TTL: time.Minute})
	a.SetHandler(h)
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	a.Inspect(ctx, msg(candidate(1, "a")))
	a.Inspect(ctx, msg(candidate(1, "b")))
	a.Inspect(ctx, msg(candidate(1, "c")))
	assert.Equal(t, 2, a.Buffered(1), "oldest dropped at capacity")

	now = now.Add(2 * time.Minute)
	a.PeerReady(ctx, 1)
	assert.Empty(t, h.got(), "expired envelopes are not applied")
}

func TestEndedSessionDropsEnvelopes(t *testing.T) {
	h := &recordingHandler{}
	a := NewAdapter("3", &recordingPoster{}, nil, Options{})
	a.SetHandler(h)
	ctx := context.Background()

	a.PeerReady(ctx, 5)
	a.Forget(5)
	assert.True(t, a.Inspect(ctx, msg(candidate(5, "late"))))
	assert.Empty(t, h.got())
	assert.Zero(t, a.Buffered(5))
}

func TestApplyFailureIsLoggedNotFatal(t *testing.T) {
	h := &recordingHandler{err: errors.New("no active call")}
	a := NewAdapter("3", &recordingPoster{}, nil, Options{})
	a.SetHandler(h)
	ctx := context.Background()

	a.PeerReady(ctx, 8)
	assert.True(t, a.Inspect(ctx, msg(candidate(8, "x"))))
	assert.Len(t, h.got(), 1)
}

func TestSend(t *testing.T) {
	p := &recordingPoster{}
	a := NewAdapter("3", p, nil, Options{})

	err := a.Send(context.Background(), 105, Envelope{Type: TypeOffer, SessionID: 42, SDP: "v=0", CallType: "audio"})
	require.NoError(t, err)
	require.Len(t, p.bodies, 1)
	assert.Equal(t, Marker, p.subjects[0])

	env, err := Parse(p.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "3", env.From)
	assert.NotZero(t, env.Timestamp)

	p.err = errors.New("offline")
	assert.Error(t, a.Send(context.Background(), 105, Envelope{Type: TypeAnswer, SessionID: 42, SDP: "v=0"}))
	assert.Error(t, a.Send(context.Background(), 105, Envelope{Type: TypeAnswer}))
}
