// Package plugin hosts the bot's extension pipeline: built-in handlers,
// native shared-library plugins, and goja-scripted plugins, dispatched in
// priority order.
package plugin

import (
	"time"

	"github.com/go-go-golems/lchbot/pkg/event"
)

// Origin tells how a plugin entered the host.
type Origin int

const (
	OriginBuiltin Origin = iota
	OriginNative
	OriginScripted
)

func (o Origin) String() string {
	switch o {
	case OriginBuiltin:
		return "builtin"
	case OriginNative:
		return "native"
	case OriginScripted:
		return "scripted"
	}
	return "unknown"
}

// Info is the identity a plugin reports about itself.
type Info struct {
	Name        string
	Version     string
	Author      string
	Description string
	Priority    int32
}

// Descriptor is the host's bookkeeping for one loaded plugin.
type Descriptor struct {
	Info
	Enabled    bool
	Origin     Origin
	ScriptPath string
	FileMtime  time.Time
}

// Handler is the contract every plugin satisfies. The On*Message family
// returns true when the event is consumed, halting dispatch.
type Handler interface {
	Info() Info
	OnLoad(ctx *HostContext) error
	OnUnload()
	OnEnable()
	OnDisable()
	OnMessage(ev *event.Event) bool
	OnPrivateMessage(ev *event.Event) bool
	OnGroupMessage(ev *event.Event) bool
	OnNotice(ev *event.Event) bool
	OnRequest(ev *event.Event) bool
}

// Base is a no-op Handler for builtin plugins to embed.
type Base struct{}

func (Base) OnLoad(*HostContext) error          { return nil }
func (Base) OnUnload()                          {}
func (Base) OnEnable()                          {}
func (Base) OnDisable()                         {}
func (Base) OnMessage(*event.Event) bool        { return false }
func (Base) OnPrivateMessage(*event.Event) bool { return false }
func (Base) OnGroupMessage(*event.Event) bool   { return false }
func (Base) OnNotice(*event.Event) bool         { return false }
func (Base) OnRequest(*event.Event) bool        { return false }

// HostContext carries the capabilities the host lends to plugins. Sends go
// through these callbacks, which the embedding runtime supplies.
type HostContext struct {
	SendGroup   func(groupID int64, message string)
	SendPrivate func(userID int64, message string)
	Masters     []int64
	DataDir     string
}

// IsMaster reports whether a user id is in the configured master list.
func (c *HostContext) IsMaster(userID int64) bool {
	if c == nil {
		return false
	}
	for _, id := range c.Masters {
		if id == userID {
			return true
		}
	}
	return false
}
