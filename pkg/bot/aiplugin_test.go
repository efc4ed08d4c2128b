package bot

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lchbot/pkg/cache"
	"github.com/go-go-golems/lchbot/pkg/contextstore"
	"github.com/go-go-golems/lchbot/pkg/event"
	"github.com/go-go-golems/lchbot/pkg/jsonx"
	"github.com/go-go-golems/lchbot/pkg/metrics"
	"github.com/go-go-golems/lchbot/pkg/ratelimit"
)

type sentMsg struct {
	group   bool
	target  int64
	message string
}

type sendRec struct {
	mu  sync.Mutex
	out []sentMsg
}

func (s *sendRec) group(id int64, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sentMsg{true, id, msg})
}

func (s *sendRec) private(id int64, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sentMsg{false, id, msg})
}

func (s *sendRec) last(t *testing.T) sentMsg {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.out)
	return s.out[len(s.out)-1]
}

func (s *sendRec) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

type aiFixture struct {
	plugin *AIPlugin
	sends  *sendRec
	store  *contextstore.Store
	calls  *int
}

func newAIFixture(t *testing.T, responses ...string) *aiFixture {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := `{"content":"default"}`
		if calls < len(responses) {
			body = responses[calls]
		}
		calls++
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	store, err := contextstore.Open(filepath.Join(t.TempDir(), "ctx.db"))
	require.NoError(t, err)
	personalities, err := LoadPersonalities(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	permissions, err := LoadPermissions(filepath.Join(t.TempDir(), "nope.json"), []int64{1})
	require.NoError(t, err)

	sends := &sendRec{}
	p := NewAIPlugin(AIPluginDeps{
		Client:        NewAIClient(srv.URL, "", "gemini"),
		Store:         store,
		Personalities: personalities,
		Permissions:   permissions,
		Stats:         NewStatistics(),
		Responses:     cache.New(),
		Limiter:       ratelimit.New(ratelimit.DefaultConfig()),
		Metrics:       metrics.New(),
		Language:      LangEN,
		SendGroup:     sends.group,
		SendPrivate:   sends.private,
	})
	return &aiFixture{plugin: p, sends: sends, store: store, calls: &calls}
}

func decodeEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	v, err := jsonx.Parse(raw)
	require.NoError(t, err)
	ev := event.Decode(v.(map[string]any))
	require.NotNil(t, ev)
	return ev
}

func privateMsg(t *testing.T, userID int64, text string) *event.Event {
	return decodeEvent(t, `{
		"post_type": "message", "message_type": "private",
		"user_id": `+itoa(userID)+`,
		"message": "`+text+`", "raw_message": "`+text+`",
		"sender": {"user_id": `+itoa(userID)+`, "nickname": "u"}
	}`)
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

func TestPrivateChatRepliesAndRecordsContext(t *testing.T) {
	f := newAIFixture(t, `{"content":"hello human"}`)

	ev := privateMsg(t, 7, "hi bot")
	assert.True(t, f.plugin.OnPrivateMessage(ev))

	msg := f.sends.last(t)
	assert.False(t, msg.group)
	assert.Equal(t, int64(7), msg.target)
	assert.Equal(t, "hello human", msg.message)

	// The assistant reply lands in the context store under the persona name.
	recent := f.store.Recent("p_7", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, "assistant", recent[0].Role)
	assert.Equal(t, "hello human", recent[0].Content)
	assert.Equal(t, "LCHBOT", recent[0].SenderName)
}

func TestRepeatedQuestionServedFromCache(t *testing.T) {
	f := newAIFixture(t, `{"content":"cached answer"}`)

	ev := privateMsg(t, 7, "same question")
	f.plugin.OnPrivateMessage(ev)
	f.plugin.OnPrivateMessage(ev)

	assert.Equal(t, 1, *f.calls, "second ask hits the response cache")
	assert.Equal(t, 2, f.sends.count())
}

func TestGroupMessageRequiresMention(t *testing.T) {
	f := newAIFixture(t)

	noMention := decodeEvent(t, `{
		"post_type": "message", "message_type": "group",
		"group_id": 100, "user_id": 7, "self_id": 10001,
		"raw_message": "hello all", "message": "hello all"
	}`)
	assert.False(t, f.plugin.OnGroupMessage(noMention))
	assert.Zero(t, f.sends.count())

	mention := decodeEvent(t, `{
		"post_type": "message", "message_type": "group",
		"group_id": 100, "user_id": 7, "self_id": 10001,
		"raw_message": "[CQ:at,qq=10001] what time is it",
		"message": [
			{"type": "at", "data": {"qq": "10001"}},
			{"type": "text", "data": {"text": " what time is it"}}
		]
	}`)
	assert.True(t, f.plugin.OnGroupMessage(mention))
	msg := f.sends.last(t)
	assert.True(t, msg.group)
	assert.Equal(t, int64(100), msg.target)
}

func TestGroupPolicyDisablesAI(t *testing.T) {
	f := newAIFixture(t)
	f.plugin.permissions.SetGroupPolicy(100, GroupPolicy{AIEnabled: false, CommandsEnabled: true})

	mention := decodeEvent(t, `{
		"post_type": "message", "message_type": "group",
		"group_id": 100, "user_id": 7, "self_id": 10001,
		"raw_message": "[CQ:at,qq=10001] hi",
		"message": [{"type": "at", "data": {"qq": "10001"}}, {"type": "text", "data": {"text": " hi"}}]
	}`)
	assert.False(t, f.plugin.OnGroupMessage(mention))
	assert.Zero(t, f.sends.count())
}

func TestHelpCommand(t *testing.T) {
	f := newAIFixture(t)
	assert.True(t, f.plugin.OnPrivateMessage(privateMsg(t, 7, "/help")))
	assert.Contains(t, f.sends.last(t).message, "/persona")
	assert.Zero(t, *f.calls, "commands never hit the AI endpoint")
}

func TestClearCommand(t *testing.T) {
	f := newAIFixture(t)
	require.NoError(t, f.store.Append("p_7", "user", "old stuff", "u", 7))

	assert.True(t, f.plugin.OnPrivateMessage(privateMsg(t, 7, "/clear")))
	assert.Zero(t, f.store.Count("p_7"))
	assert.Contains(t, f.sends.last(t).message, "cleared")
}

func TestPersonaListAndSwitch(t *testing.T) {
	f := newAIFixture(t)
	f.plugin.personalities.byID["cat"] = Personality{ID: "cat", Name: "Cat", Prompt: "meow"}

	assert.True(t, f.plugin.OnPrivateMessage(privateMsg(t, 7, "/persona")))
	assert.Contains(t, f.sends.last(t).message, "cat - Cat")

	assert.True(t, f.plugin.OnPrivateMessage(privateMsg(t, 7, "/persona cat")))
	assert.Contains(t, f.sends.last(t).message, "switched to: Cat")
	assert.Equal(t, "cat", f.plugin.personalities.Current().ID)

	assert.True(t, f.plugin.OnPrivateMessage(privateMsg(t, 7, "/persona nope")))
	assert.Contains(t, f.sends.last(t).message, "Unknown persona")
}

func TestUnknownCommandNotConsumed(t *testing.T) {
	f := newAIFixture(t)
	assert.False(t, f.plugin.OnPrivateMessage(privateMsg(t, 7, "/frobnicate")))
}

func TestAIErrorYieldsUserSafeReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newAIFixture(t)
	f.plugin.client = NewAIClient(srv.URL, "", "gemini")

	f.plugin.OnPrivateMessage(privateMsg(t, 7, "overloaded?"))
	reply := f.sends.last(t).message
	assert.Contains(t, reply, "[LCHBOT]")
	assert.Contains(t, reply, "#3002")
	assert.NotContains(t, reply, "429", "internal detail stays internal")
}

func TestRateLimiterBlocksFlood(t *testing.T) {
	f := newAIFixture(t, `{"content":"a"}`)
	f.plugin.limiter = ratelimit.New(ratelimit.Config{PerSecond: 1, Burst: 2, BreakerThreshold: 100, BreakerTimeout: time.Second})

	f.plugin.OnPrivateMessage(privateMsg(t, 7, "first"))
	f.plugin.OnPrivateMessage(privateMsg(t, 7, "second"))

	require.Equal(t, 2, f.sends.count())
	assert.Contains(t, f.sends.last(t).message, "#3002", "second message is rate limited")
	assert.Equal(t, 1, *f.calls)
}
