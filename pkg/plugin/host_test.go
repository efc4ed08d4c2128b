package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lchbot/pkg/event"
	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

type fakePlugin struct {
	Base
	info Info

	mu        sync.Mutex
	calls     []string
	consume   bool
	panicking bool
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakePlugin) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakePlugin) OnLoad(*HostContext) error { f.record("load"); return nil }
func (f *fakePlugin) OnUnload()                 { f.record("unload") }
func (f *fakePlugin) OnEnable()                 { f.record("enable") }
func (f *fakePlugin) OnDisable()                { f.record("disable") }

func (f *fakePlugin) OnMessage(*event.Event) bool {
	if f.panicking {
		panic("handler exploded")
	}
	f.record("message")
	return f.consume
}

func (f *fakePlugin) OnGroupMessage(*event.Event) bool {
	f.record("group")
	return false
}

func (f *fakePlugin) OnPrivateMessage(*event.Event) bool {
	f.record("private")
	return false
}

func msgEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	v, err := jsonx.Parse(raw)
	require.NoError(t, err)
	ev := event.Decode(v.(map[string]any))
	require.NotNil(t, ev)
	return ev
}

func newHost() *Host {
	return NewHost(&HostContext{Masters: []int64{1}}, nil)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	h := newHost()
	require.NoError(t, h.Register(&fakePlugin{info: Info{Name: "a"}}, OriginBuiltin))
	err := h.Register(&fakePlugin{info: Info{Name: "a"}}, OriginBuiltin)
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, 1, h.Count())
}

func TestDispatchPriorityOrderAndConsumption(t *testing.T) {
	h := newHost()
	a := &fakePlugin{info: Info{Name: "a", Priority: 100}}
	b := &fakePlugin{info: Info{Name: "b", Priority: 50}, consume: true}
	c := &fakePlugin{info: Info{Name: "c", Priority: 10}}
	// register out of order; dispatch must still go a, b, c
	require.NoError(t, h.Register(c, OriginBuiltin))
	require.NoError(t, h.Register(a, OriginBuiltin))
	require.NoError(t, h.Register(b, OriginScripted))

	ev := msgEvent(t, `{"post_type":"message","message_type":"group","group_id":1,"message":"x"}`)
	h.Dispatch(ev)

	assert.Equal(t, []string{"load", "message", "group"}, a.callLog(), "a ran both hooks, not consumed")
	assert.Equal(t, []string{"load", "message"}, b.callLog(), "b consumed on on_message")
	assert.Equal(t, []string{"load"}, c.callLog(), "iteration halted before c")
}

func TestDispatchTieBrokenByLoadOrder(t *testing.T) {
	h := newHost()
	first := &fakePlugin{info: Info{Name: "first", Priority: 5}, consume: true}
	second := &fakePlugin{info: Info{Name: "second", Priority: 5}, consume: true}
	require.NoError(t, h.Register(first, OriginBuiltin))
	require.NoError(t, h.Register(second, OriginBuiltin))

	ev := msgEvent(t, `{"post_type":"message","message_type":"private","user_id":1,"message":"x"}`)
	h.Dispatch(ev)

	assert.Contains(t, first.callLog(), "message")
	assert.NotContains(t, second.callLog(), "message")
}

func TestDisabledPluginSkipped(t *testing.T) {
	h := newHost()
	p := &fakePlugin{info: Info{Name: "p"}}
	require.NoError(t, h.Register(p, OriginBuiltin))
	require.True(t, h.SetEnabled("p", false))
	assert.Contains(t, p.callLog(), "disable")

	ev := msgEvent(t, `{"post_type":"message","message_type":"private","user_id":1,"message":"x"}`)
	h.Dispatch(ev)
	assert.NotContains(t, p.callLog(), "message")

	require.True(t, h.SetEnabled("p", true))
	h.Dispatch(ev)
	assert.Contains(t, p.callLog(), "message")
}

func TestPanickingPluginDoesNotHaltPipeline(t *testing.T) {
	h := newHost()
	bad := &fakePlugin{info: Info{Name: "bad", Priority: 10}, panicking: true}
	good := &fakePlugin{info: Info{Name: "good", Priority: 1}}
	require.NoError(t, h.Register(bad, OriginBuiltin))
	require.NoError(t, h.Register(good, OriginBuiltin))

	ev := msgEvent(t, `{"post_type":"message","message_type":"private","user_id":1,"message":"x"}`)
	h.Dispatch(ev)
	assert.Contains(t, good.callLog(), "message")
}

func TestLoadUnloadLeavesCountUnchanged(t *testing.T) {
	h := newHost()
	require.NoError(t, h.Register(&fakePlugin{info: Info{Name: "stable"}}, OriginBuiltin))
	before := h.Count()
	descBefore := h.Descriptors()

	p := &fakePlugin{info: Info{Name: "transient", Priority: 3}}
	require.NoError(t, h.Register(p, OriginBuiltin))
	require.True(t, h.Unload("transient"))
	assert.Equal(t, []string{"load", "disable", "unload"}, p.callLog())

	assert.Equal(t, before, h.Count())
	assert.Equal(t, descBefore, h.Descriptors())
}

func TestGuardSkipsPlugin(t *testing.T) {
	h := newHost()
	p := &fakePlugin{info: Info{Name: "gated"}}
	require.NoError(t, h.Register(p, OriginBuiltin))
	h.Guard = func(name string) bool { return name != "gated" }

	ev := msgEvent(t, `{"post_type":"message","message_type":"private","user_id":1,"message":"x"}`)
	h.Dispatch(ev)
	assert.NotContains(t, p.callLog(), "message")
}

func scriptFile(t *testing.T, dir, name string, priority int) string {
	t.Helper()
	src := fmt.Sprintf(`
class P extends Plugin {
	constructor() { super(); this.name = %q; this.priority = %d; }
	on_message(event) { return false; }
}
register_plugin(new P());
`, name, priority)
	path := filepath.Join(dir, name+".js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadDirAndHotReload(t *testing.T) {
	dir := t.TempDir()
	h := newHost()
	pre := &fakePlugin{info: Info{Name: "resident", Priority: 50}}
	require.NoError(t, h.Register(pre, OriginBuiltin))

	// New file appears; one reload pass picks it up.
	path := scriptFile(t, dir, "hot", 10)
	h.CheckScripts(dir)
	require.Equal(t, 2, h.Count())

	descs := h.Descriptors()
	assert.Equal(t, "resident", descs[0].Name)
	assert.Equal(t, "hot", descs[1].Name)

	// Overwrite with a later mtime and a higher priority.
	time.Sleep(10 * time.Millisecond)
	src := `
class P extends Plugin {
	constructor() { super(); this.name = "hot"; this.priority = 90; }
	on_message(event) { return false; }
}
register_plugin(new P());
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	h.CheckScripts(dir)
	require.Equal(t, 2, h.Count())

	descs = h.Descriptors()
	assert.Equal(t, "hot", descs[0].Name, "priority 90 sorts before the resident 50")
	assert.Equal(t, int32(90), descs[0].Priority)
}

func TestReloadPreservesDisabledState(t *testing.T) {
	dir := t.TempDir()
	h := newHost()
	scriptFile(t, dir, "toggle", 1)
	h.CheckScripts(dir)
	require.True(t, h.SetEnabled("toggle", false))

	require.NoError(t, h.Reload("toggle"))
	for _, d := range h.Descriptors() {
		if d.Name == "toggle" {
			assert.False(t, d.Enabled)
			return
		}
	}
	t.Fatal("toggle not found after reload")
}

func TestLoadDirRejectsDuplicateScriptNames(t *testing.T) {
	dir := t.TempDir()
	h := newHost()
	scriptFile(t, dir, "dup", 1)
	// Second file registers the same plugin name.
	src := `
class P extends Plugin {
	constructor() { super(); this.name = "dup"; }
}
register_plugin(new P());
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz_dup.js"), []byte(src), 0o644))

	h.LoadDir(dir)
	assert.Equal(t, 1, h.Count())
}
