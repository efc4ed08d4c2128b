package bot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UserGrant is one user's permission record.
type UserGrant struct {
	Level   int    `json:"level"`
	Note    string `json:"note,omitempty"`
	Expires int64  `json:"expires,omitempty"` // epoch seconds, 0 = never
}

// GroupPolicy is one group's feature switches.
type GroupPolicy struct {
	AIEnabled       bool `json:"ai_enabled"`
	CommandsEnabled bool `json:"commands_enabled"`
	DailyLimit      int  `json:"daily_limit"`
}

type permissionFile struct {
	Owners []int64                `json:"owners"`
	Users  map[string]UserGrant   `json:"users"`
	Groups map[string]GroupPolicy `json:"groups"`
}

// Permissions is the persistent permission system backed by
// config/permissions.json.
type Permissions struct {
	mu     sync.Mutex
	path   string
	owners []int64
	users  map[int64]UserGrant
	groups map[int64]GroupPolicy

	now func() time.Time
}

// LoadPermissions reads the permission file; a missing file yields an empty
// system seeded with the configured masters.
func LoadPermissions(path string, masters []int64) (*Permissions, error) {
	p := &Permissions{
		path:   path,
		owners: append([]int64{}, masters...),
		users:  map[int64]UserGrant{},
		groups: map[int64]GroupPolicy{},
		now:    time.Now,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, errors.Wrapf(err, "permissions: read %q", path)
	}

	var pf permissionFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, errors.Wrapf(err, "permissions: parse %q", path)
	}

	for _, id := range pf.Owners {
		if !containsID(p.owners, id) {
			p.owners = append(p.owners, id)
		}
	}
	for idStr, grant := range pf.Users {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			log.Warn().Str("id", idStr).Msg("permissions: skipping bad user id")
			continue
		}
		p.users[id] = grant
	}
	for idStr, policy := range pf.Groups {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			log.Warn().Str("id", idStr).Msg("permissions: skipping bad group id")
			continue
		}
		p.groups[id] = policy
	}
	return p, nil
}

// Save writes the permission file.
func (p *Permissions) Save() error {
	p.mu.Lock()
	pf := permissionFile{
		Owners: append([]int64{}, p.owners...),
		Users:  map[string]UserGrant{},
		Groups: map[string]GroupPolicy{},
	}
	for id, grant := range p.users {
		pf.Users[strconv.FormatInt(id, 10)] = grant
	}
	for id, policy := range p.groups {
		pf.Groups[strconv.FormatInt(id, 10)] = policy
	}
	path := p.path
	p.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "permissions: create dir")
		}
	}
	raw, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return errors.Wrap(err, "permissions: encode")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "permissions: write")
}

// IsOwner reports whether the user is a bot owner / master.
func (p *Permissions) IsOwner(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return containsID(p.owners, userID)
}

// UserLevel returns the user's permission level; owners are level 100,
// expired grants level 0.
func (p *Permissions) UserLevel(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if containsID(p.owners, userID) {
		return 100
	}
	grant, ok := p.users[userID]
	if !ok {
		return 0
	}
	if grant.Expires != 0 && p.now().Unix() > grant.Expires {
		return 0
	}
	return grant.Level
}

// GrantUser installs a user grant.
func (p *Permissions) GrantUser(userID int64, grant UserGrant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[userID] = grant
}

// GroupPolicyFor returns the group's policy; unknown groups default to
// everything enabled with no daily limit.
func (p *Permissions) GroupPolicyFor(groupID int64) GroupPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if policy, ok := p.groups[groupID]; ok {
		return policy
	}
	return GroupPolicy{AIEnabled: true, CommandsEnabled: true}
}

// SetGroupPolicy installs a group policy.
func (p *Permissions) SetGroupPolicy(groupID int64, policy GroupPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[groupID] = policy
}

// Snapshot renders the whole system for the admin API.
func (p *Permissions) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := map[string]any{}
	for id, grant := range p.users {
		users[strconv.FormatInt(id, 10)] = grant
	}
	groups := map[string]any{}
	for id, policy := range p.groups {
		groups[strconv.FormatInt(id, 10)] = policy
	}
	return map[string]any{
		"owners": append([]int64{}, p.owners...),
		"users":  users,
		"groups": groups,
	}
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
