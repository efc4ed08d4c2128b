package plugin

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/event"
)

// DefaultReloadInterval is the hot-reload ticker period.
const DefaultReloadInterval = 5 * time.Second

// ErrDuplicateName rejects a second plugin with an already-taken name.
var ErrDuplicateName = errors.New("plugin: duplicate name")

type entry struct {
	desc    Descriptor
	handler Handler
	seq     int // load order, breaks priority ties
}

// DispatchObserver is notified after every handler invocation; the
// orchestrator uses it for metrics and tracing.
type DispatchObserver func(plugin string, ok bool)

// Host owns the registered plugins and the dispatch pipeline.
type Host struct {
	ctx  *HostContext
	emit ReplyEmitter

	mu      sync.Mutex
	plugins map[string]*entry
	sorted  []*entry // priority desc, load order asc
	nextSeq int

	Observer DispatchObserver

	// Guard is consulted before each handler call; a false return skips the
	// plugin for this event. A nil Guard admits every plugin.
	Guard func(plugin string) bool

	reloadStop chan struct{}
	reloadDone chan struct{}
}

// NewHost builds an empty host. emit receives scripted plugins' replies.
func NewHost(ctx *HostContext, emit ReplyEmitter) *Host {
	return &Host{ctx: ctx, plugins: map[string]*entry{}, emit: emit}
}

// Register adds a builtin (or externally constructed) handler.
func (h *Host) Register(handler Handler, origin Origin) error {
	return h.register(handler, origin, "", time.Time{})
}

func (h *Host) register(handler Handler, origin Origin, scriptPath string, mtime time.Time) error {
	info := handler.Info()
	if info.Name == "" {
		return errors.New("plugin: empty name")
	}

	h.mu.Lock()
	if _, exists := h.plugins[info.Name]; exists {
		h.mu.Unlock()
		return errors.Wrap(ErrDuplicateName, info.Name)
	}
	h.mu.Unlock()

	if err := handler.OnLoad(h.ctx); err != nil {
		return errors.Wrapf(err, "plugin: %s on_load", info.Name)
	}

	// Re-read the identity: on_load may have rewritten it.
	info = handler.Info()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.plugins[info.Name]; exists {
		return errors.Wrap(ErrDuplicateName, info.Name)
	}
	h.nextSeq++
	e := &entry{
		desc: Descriptor{
			Info:       info,
			Enabled:    true,
			Origin:     origin,
			ScriptPath: scriptPath,
			FileMtime:  mtime,
		},
		handler: handler,
		seq:     h.nextSeq,
	}
	h.plugins[info.Name] = e
	h.resortLocked()
	log.Info().Str("plugin", info.Name).Str("origin", origin.String()).
		Int32("priority", info.Priority).Msg("plugin loaded")
	return nil
}

func (h *Host) resortLocked() {
	h.sorted = h.sorted[:0]
	for _, e := range h.plugins {
		h.sorted = append(h.sorted, e)
	}
	sort.SliceStable(h.sorted, func(a, b int) bool {
		if h.sorted[a].desc.Priority != h.sorted[b].desc.Priority {
			return h.sorted[a].desc.Priority > h.sorted[b].desc.Priority
		}
		return h.sorted[a].seq < h.sorted[b].seq
	})
}

// LoadDir scans dir non-recursively: script files become scripted plugins,
// shared libraries native ones. Individual load failures are logged and do
// not abort the scan.
func (h *Host) LoadDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("plugin: scan failed")
		return
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(dir, de.Name())
		switch {
		case IsScript(de.Name()):
			if err := h.LoadScript(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("plugin: script load rejected")
			}
		case IsNative(de.Name()):
			if err := h.loadNativeFile(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("plugin: native load rejected")
			}
		}
	}
}

// LoadScript loads one scripted plugin from path.
func (h *Host) LoadScript(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "plugin: stat script")
	}
	p, err := LoadScriptFile(path, h.ctx.Masters, h.emit)
	if err != nil {
		return err
	}
	return h.register(p, OriginScripted, path, st.ModTime())
}

func (h *Host) loadNativeFile(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "plugin: stat native")
	}
	handler, err := LoadNative(path)
	if err != nil {
		return err
	}
	return h.register(handler, OriginNative, path, st.ModTime())
}

// Unload removes a plugin, running on_disable and on_unload.
func (h *Host) Unload(name string) bool {
	h.mu.Lock()
	e, ok := h.plugins[name]
	if ok {
		delete(h.plugins, name)
		h.resortLocked()
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	if e.desc.Enabled {
		e.handler.OnDisable()
	}
	e.handler.OnUnload()
	log.Info().Str("plugin", name).Msg("plugin unloaded")
	return true
}

// UnloadAll removes every plugin, for shutdown.
func (h *Host) UnloadAll() {
	for _, d := range h.Descriptors() {
		h.Unload(d.Name)
	}
}

// SetEnabled toggles a plugin, invoking on_enable / on_disable.
func (h *Host) SetEnabled(name string, enabled bool) bool {
	h.mu.Lock()
	e, ok := h.plugins[name]
	var changed bool
	if ok && e.desc.Enabled != enabled {
		e.desc.Enabled = enabled
		changed = true
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	if changed {
		if enabled {
			e.handler.OnEnable()
		} else {
			e.handler.OnDisable()
		}
	}
	return true
}

// Reload drops and re-loads a scripted plugin in place, preserving enabled
// state.
func (h *Host) Reload(name string) error {
	h.mu.Lock()
	e, ok := h.plugins[name]
	if !ok || e.desc.Origin != OriginScripted {
		h.mu.Unlock()
		return errors.Errorf("plugin: %s is not a reloadable scripted plugin", name)
	}
	path := e.desc.ScriptPath
	wasEnabled := e.desc.Enabled
	h.mu.Unlock()

	h.Unload(name)
	if err := h.LoadScript(path); err != nil {
		return err
	}
	if !wasEnabled {
		// new instance loads enabled; restore prior state
		newName := h.nameForPath(path)
		if newName != "" {
			h.SetEnabled(newName, false)
		}
	}
	return nil
}

func (h *Host) nameForPath(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, e := range h.plugins {
		if e.desc.ScriptPath == path {
			return name
		}
	}
	return ""
}

// Descriptors snapshots every plugin's descriptor, dispatch-ordered.
func (h *Host) Descriptors() []Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Descriptor, 0, len(h.sorted))
	for _, e := range h.sorted {
		out = append(out, e.desc)
	}
	return out
}

// Count reports the number of loaded plugins.
func (h *Host) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.plugins)
}

func (h *Host) snapshotEnabled() []*entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*entry, 0, len(h.sorted))
	for _, e := range h.sorted {
		if e.desc.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// Dispatch walks enabled plugins in priority order. A handler returning
// true consumes the event and halts iteration. Panics from a plugin are
// caught per plugin and iteration continues.
func (h *Host) Dispatch(ev *event.Event) {
	for _, e := range h.snapshotEnabled() {
		if h.Guard != nil && !h.Guard(e.desc.Name) {
			continue
		}
		consumed := h.invoke(e, ev)
		if consumed {
			return
		}
	}
}

func (h *Host) invoke(e *entry, ev *event.Event) (consumed bool) {
	name := e.desc.Name
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("plugin", name).Interface("panic", r).Msg("plugin: handler panicked")
			if h.Observer != nil {
				h.Observer(name, false)
			}
			consumed = false
		}
	}()

	switch ev.Kind {
	case event.KindMessage:
		consumed = e.handler.OnMessage(ev)
		if !consumed {
			if ev.Message != nil && ev.Message.Kind == event.MessageGroup {
				consumed = e.handler.OnGroupMessage(ev)
			} else {
				consumed = e.handler.OnPrivateMessage(ev)
			}
		}
	case event.KindNotice:
		consumed = e.handler.OnNotice(ev)
	case event.KindRequest:
		consumed = e.handler.OnRequest(ev)
	default:
		return false
	}

	if h.Observer != nil {
		h.Observer(name, true)
	}
	return consumed
}

// StartHotReload launches the ticker that watches scripted plugin files and
// the plugin directory for changes.
func (h *Host) StartHotReload(dir string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	h.mu.Lock()
	if h.reloadStop != nil {
		h.mu.Unlock()
		return
	}
	h.reloadStop = make(chan struct{})
	h.reloadDone = make(chan struct{})
	stop, done := h.reloadStop, h.reloadDone
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.CheckScripts(dir)
			}
		}
	}()
}

// StopHotReload halts the ticker.
func (h *Host) StopHotReload() {
	h.mu.Lock()
	stop, done := h.reloadStop, h.reloadDone
	h.reloadStop, h.reloadDone = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// CheckScripts is one hot-reload pass: new script files load, changed files
// reload in place.
func (h *Host) CheckScripts(dir string) {
	type known struct {
		name  string
		mtime time.Time
	}
	h.mu.Lock()
	byPath := map[string]known{}
	for name, e := range h.plugins {
		if e.desc.Origin == OriginScripted {
			byPath[e.desc.ScriptPath] = known{name: name, mtime: e.desc.FileMtime}
		}
	}
	h.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if de.IsDir() || !IsScript(de.Name()) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		k, loaded := byPath[path]
		switch {
		case !loaded:
			if err := h.LoadScript(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("plugin: hot load rejected")
			}
		case st.ModTime().After(k.mtime):
			log.Info().Str("plugin", k.name).Str("path", path).Msg("plugin: file changed, reloading")
			if err := h.Reload(k.name); err != nil {
				log.Error().Err(err).Str("plugin", k.name).Msg("plugin: hot reload failed")
			}
		}
	}
}
