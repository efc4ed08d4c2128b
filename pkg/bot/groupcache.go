package bot

import (
	"sync"
	"time"

	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

// GroupMember is one cached member record.
type GroupMember struct {
	UserID   int64
	Nickname string
	Card     string
	Role     string
}

// DisplayName prefers the group card.
func (m GroupMember) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}

// GroupMemberCache keeps member lists per group and dedupes in-flight
// fetches so the receive loop schedules each group's RPC at most once.
type GroupMemberCache struct {
	mu        sync.Mutex
	members   map[int64]map[int64]GroupMember
	fetchedAt map[int64]time.Time
	pending   map[int64]bool
}

// NewGroupMemberCache builds an empty cache.
func NewGroupMemberCache() *GroupMemberCache {
	return &GroupMemberCache{
		members:   map[int64]map[int64]GroupMember{},
		fetchedAt: map[int64]time.Time{},
		pending:   map[int64]bool{},
	}
}

// NeedsFetch marks the group pending and reports whether the caller should
// schedule a fetch. At most one caller gets true until Store or Fail runs.
func (c *GroupMemberCache) NeedsFetch(groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[groupID] {
		return false
	}
	if _, ok := c.members[groupID]; ok {
		return false
	}
	c.pending[groupID] = true
	return true
}

// Store installs a member list from a get_group_member_list response.
func (c *GroupMemberCache) Store(groupID int64, data any) {
	list, _ := data.([]any)
	members := make(map[int64]GroupMember, len(list))
	for _, e := range list {
		obj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		m := GroupMember{
			UserID:   jsonx.I64(obj, "user_id", 0),
			Nickname: jsonx.Str(obj, "nickname", ""),
			Card:     jsonx.Str(obj, "card", ""),
			Role:     jsonx.Str(obj, "role", ""),
		}
		if m.UserID != 0 {
			members[m.UserID] = m
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[groupID] = members
	c.fetchedAt[groupID] = time.Now()
	delete(c.pending, groupID)
}

// Fail clears the pending mark so a later event can retry the fetch.
func (c *GroupMemberCache) Fail(groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, groupID)
}

// Member looks up one cached member.
func (c *GroupMemberCache) Member(groupID, userID int64) (GroupMember, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[groupID][userID]
	return m, ok
}

// Groups lists the cached group ids.
func (c *GroupMemberCache) Groups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out
}

// Size reports the member count for a group.
func (c *GroupMemberCache) Size(groupID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members[groupID])
}
