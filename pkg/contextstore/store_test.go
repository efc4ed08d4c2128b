package contextstore

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "context.db"))
	require.NoError(t, err)
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append("g_1", "user", fmt.Sprintf("msg-%d", i), "alice", 42))
	}
	require.NoError(t, s.Append("p_2", "user", "other thread", "bob", 7))

	msgs := s.Recent("g_1", 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, "msg-2", msgs[0].Content)
	assert.Equal(t, "msg-4", msgs[2].Content, "ascending time order, newest last")
	assert.Equal(t, "alice", msgs[0].SenderName)

	assert.Equal(t, 5, s.Count("g_1"))
	assert.Equal(t, 1, s.Count("p_2"))
}

func TestRecentTieBreaksByInsertionOrder(t *testing.T) {
	s := newStore(t)
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append("g_1", "user", fmt.Sprintf("same-ts-%d", i), "", 0))
	}
	msgs := s.Recent("g_1", 4)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("same-ts-%d", i), m.Content)
	}
}

func TestPerKeyCap(t *testing.T) {
	s := newStore(t)
	s.cap = 10 // keep the test fast; production cap is MaxPerKey

	base := time.Unix(1700000000, 0)
	n := 0
	s.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Append("g_1", "user", fmt.Sprintf("m%d", i), "", 0))
	}
	assert.Equal(t, 10, s.Count("g_1"), "cap holds after every append")

	msgs := s.Recent("g_1", 100)
	require.Len(t, msgs, 10)
	assert.Equal(t, "m15", msgs[0].Content, "oldest rows were evicted")
	assert.Equal(t, "m24", msgs[9].Content)
}

func TestSearchAndTimeRange(t *testing.T) {
	s := newStore(t)
	base := time.Unix(1000, 0)
	n := int64(0)
	s.now = func() time.Time { n += 10; return base.Add(time.Duration(n) * time.Second) }

	require.NoError(t, s.Append("g_1", "user", "the quick brown fox", "alice", 1))
	require.NoError(t, s.Append("g_1", "user", "lazy dog sleeping", "bob", 2))
	require.NoError(t, s.Append("g_1", "assistant", "a quick reply", "Bot", 0))

	byKeyword := s.SearchKeyword("g_1", "quick", 10)
	require.Len(t, byKeyword, 2)
	assert.Equal(t, "the quick brown fox", byKeyword[0].Content)

	bySender := s.SearchSender("g_1", "bob", 10)
	require.Len(t, bySender, 1)
	assert.Equal(t, "lazy dog sleeping", bySender[0].Content)

	inRange := s.TimeRange("g_1", 1010, 1020, 10)
	require.Len(t, inRange, 2)

	assert.Empty(t, s.SearchKeyword("g_1", "", 10), "empty needle matches nothing")
}

func TestClear(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Append("g_1", "user", "x", "", 0))
	require.NoError(t, s.Append("p_9", "user", "y", "", 0))
	require.NoError(t, s.Clear("g_1"))
	assert.Zero(t, s.Count("g_1"))
	assert.Equal(t, 1, s.Count("p_9"))
}

func TestSweep(t *testing.T) {
	s := newStore(t)
	old := time.Now().Add(-10 * 24 * time.Hour)
	s.now = func() time.Time { return old }
	require.NoError(t, s.Append("g_1", "user", "ancient", "", 0))

	s.now = time.Now
	require.NoError(t, s.Append("g_1", "user", "fresh", "", 0))

	removed, err := s.Sweep(DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	msgs := s.Recent("g_1", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Content)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "context.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append("g_1", "user", "durable", "alice", 42))

	s2, err := Open(path)
	require.NoError(t, err)
	msgs := s2.Recent("g_1", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "durable", msgs[0].Content)
	assert.Equal(t, int64(42), msgs[0].SenderID)
}

func TestBuildWindowEmpty(t *testing.T) {
	s := newStore(t)
	assert.Empty(t, s.BuildWindow("g_none", "hi"))
}

func TestBuildWindowSmallHistory(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Append("g_1", "user", "hello", "alice", 1))
	require.NoError(t, s.Append("g_1", "assistant", "hi there", "Bot", 0))

	w := s.BuildWindow("g_1", "q")
	lines := strings.Split(strings.TrimRight(w, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "2 messages")
	assert.NotContains(t, lines[0], "truncated")
	assert.Equal(t, "alice: hello", lines[1])
	assert.Equal(t, "Bot: hi there", lines[2])
}

func TestBuildWindowTruncation(t *testing.T) {
	s := newStore(t)
	payload := strings.Repeat("x", 200)
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Append("g_100", "user", fmt.Sprintf("%03d-%s", i, payload), "u", 1))
	}

	w := s.BuildWindow("g_100", "hi")
	require.NotEmpty(t, w)
	assert.LessOrEqual(t, len(w), WindowByteBudget)

	lines := strings.Split(strings.TrimRight(w, "\n"), "\n")
	assert.Contains(t, lines[0], "truncated", "header reports truncation")
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], fmt.Sprintf("299-%s", payload)),
		"last line is the most recent message verbatim")
}

func TestBuildWindowAnonymousRoles(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Append("p_1", "user", "q", "", 5))
	require.NoError(t, s.Append("p_1", "assistant", "a", "", 0))

	w := s.BuildWindow("p_1", "")
	assert.Contains(t, w, "User: q")
	assert.Contains(t, w, "Assistant: a")
}
