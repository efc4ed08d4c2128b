package plugin

import (
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/event"
)

// ScriptExt is the file extension the host treats as a scripted plugin.
const ScriptExt = ".js"

// harnessSource is pre-injected into every plugin VM before the plugin's own
// source runs. It defines the base Plugin class, registration, and the reply
// queue the host drains after each dispatch.
const harnessSource = `
var _lchbot_reply_queue = [];
var _lchbot_registered = null;

class Plugin {
	constructor() {
		this.name = "";
		this.version = "1.0.0";
		this.author = "";
		this.description = "";
		this.priority = 0;
	}
	on_load() {}
	on_unload() {}
	on_enable() {}
	on_disable() {}
	on_message(event) { return false; }
	on_private_message(event) { return false; }
	on_group_message(event) { return false; }
	on_notice(event) { return false; }
	on_request(event) { return false; }
}

function register_plugin(instance) {
	_lchbot_registered = instance;
}

function reply(event, text) {
	if (event && event.group_id) {
		_lchbot_reply_queue.push({action: "send_group_msg", target_id: event.group_id, message: String(text)});
	} else if (event && event.user_id) {
		_lchbot_reply_queue.push({action: "send_private_msg", target_id: event.user_id, message: String(text)});
	}
}

function send_group_msg(group_id, text) {
	_lchbot_reply_queue.push({action: "send_group_msg", target_id: group_id, message: String(text)});
}

function send_private_msg(user_id, text) {
	_lchbot_reply_queue.push({action: "send_private_msg", target_id: user_id, message: String(text)});
}

function is_master(user_id) {
	for (var i = 0; i < _master_qq.length; i++) {
		if (_master_qq[i] == user_id) { return true; }
	}
	return false;
}
`

// ReplyEmitter forwards one queued script reply toward the transport.
type ReplyEmitter func(action string, targetID int64, message string)

// ScriptPlugin runs one plugin script in its own goja VM. The VM is not
// thread safe; every entry point takes the mutex.
type ScriptPlugin struct {
	mu   sync.Mutex
	vm   *goja.Runtime
	self *goja.Object
	info Info

	path string
	emit ReplyEmitter
}

// LoadScriptFile reads and instantiates a plugin script.
func LoadScriptFile(path string, masters []int64, emit ReplyEmitter) (*ScriptPlugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "plugin: read script %q", path)
	}
	p, err := LoadScriptSource(path, string(src), masters, emit)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LoadScriptSource instantiates a plugin from source. The script must call
// register_plugin with a Plugin instance.
func LoadScriptSource(name, source string, masters []int64, emit ReplyEmitter) (*ScriptPlugin, error) {
	vm := goja.New()

	registry := require.NewRegistry()
	registry.Enable(vm)
	console.Enable(vm)

	masterList := make([]any, 0, len(masters))
	for _, m := range masters {
		masterList = append(masterList, m)
	}
	if err := vm.Set("_master_qq", masterList); err != nil {
		return nil, errors.Wrap(err, "plugin: set _master_qq")
	}

	if _, err := vm.RunScript("lchbot-harness.js", harnessSource); err != nil {
		return nil, errors.Wrap(err, "plugin: run harness")
	}
	if _, err := vm.RunScript(name, source); err != nil {
		return nil, errors.Wrapf(err, "plugin: run script %q", name)
	}

	registered := vm.Get("_lchbot_registered")
	if registered == nil || goja.IsNull(registered) || goja.IsUndefined(registered) {
		return nil, errors.Errorf("plugin: script %q never called register_plugin", name)
	}
	self := registered.ToObject(vm)

	p := &ScriptPlugin{vm: vm, self: self, path: name, emit: emit}
	p.info = p.readInfo()
	if p.info.Name == "" {
		return nil, errors.Errorf("plugin: script %q registered a plugin without a name", name)
	}
	return p, nil
}

func (p *ScriptPlugin) readInfo() Info {
	str := func(key string) string {
		if v := p.self.Get(key); v != nil && !goja.IsUndefined(v) {
			return v.String()
		}
		return ""
	}
	info := Info{
		Name:        str("name"),
		Version:     str("version"),
		Author:      str("author"),
		Description: str("description"),
	}
	if v := p.self.Get("priority"); v != nil && !goja.IsUndefined(v) {
		info.Priority = int32(v.ToInteger())
	}
	return info
}

// Info returns the identity the script declared.
func (p *ScriptPlugin) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Path returns the script file the plugin was loaded from.
func (p *ScriptPlugin) Path() string { return p.path }

func (p *ScriptPlugin) callVoid(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callLocked(method, nil)
	p.drainRepliesLocked()
}

// callLocked invokes a method on the registered instance and coerces the
// result to Go. Script exceptions are logged and swallowed; the pipeline
// must survive a broken plugin.
func (p *ScriptPlugin) callLocked(method string, arg any) goja.Value {
	fnVal := p.self.Get(method)
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil
	}
	var args []goja.Value
	if arg != nil {
		args = append(args, p.vm.ToValue(arg))
	}
	ret, err := fn(p.self, args...)
	if err != nil {
		log.Warn().Err(err).Str("plugin", p.info.Name).Str("method", method).Msg("plugin: script threw")
		return nil
	}
	return ret
}

func (p *ScriptPlugin) dispatch(method string, ev *event.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := p.callLocked(method, ev.Raw)
	p.drainRepliesLocked()
	return ret != nil && ret.ToBoolean()
}

// drainRepliesLocked moves queued replies out of the VM and hands them to
// the emitter.
func (p *ScriptPlugin) drainRepliesLocked() {
	queueVal := p.vm.Get("_lchbot_reply_queue")
	if queueVal == nil {
		return
	}
	var entries []map[string]any
	if err := p.vm.ExportTo(queueVal, &entries); err != nil {
		log.Warn().Err(err).Str("plugin", p.info.Name).Msg("plugin: bad reply queue")
		return
	}
	if len(entries) == 0 {
		return
	}
	if err := p.vm.Set("_lchbot_reply_queue", p.vm.NewArray()); err != nil {
		log.Warn().Err(err).Str("plugin", p.info.Name).Msg("plugin: reset reply queue")
	}
	if p.emit == nil {
		return
	}
	for _, e := range entries {
		action, _ := e["action"].(string)
		message, _ := e["message"].(string)
		target := toInt64(e["target_id"])
		if action == "" || target == 0 || message == "" {
			continue
		}
		p.emit(action, target, message)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Handler interface.

func (p *ScriptPlugin) OnLoad(*HostContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callLocked("on_load", nil)
	p.drainRepliesLocked()
	// on_load may rewrite the identity fields; Info reports the new values.
	p.info = p.readInfo()
	return nil
}

func (p *ScriptPlugin) OnUnload()  { p.callVoid("on_unload") }
func (p *ScriptPlugin) OnEnable()  { p.callVoid("on_enable") }
func (p *ScriptPlugin) OnDisable() { p.callVoid("on_disable") }

func (p *ScriptPlugin) OnMessage(ev *event.Event) bool {
	return p.dispatch("on_message", ev)
}

func (p *ScriptPlugin) OnPrivateMessage(ev *event.Event) bool {
	return p.dispatch("on_private_message", ev)
}

func (p *ScriptPlugin) OnGroupMessage(ev *event.Event) bool {
	return p.dispatch("on_group_message", ev)
}

func (p *ScriptPlugin) OnNotice(ev *event.Event) bool {
	return p.dispatch("on_notice", ev)
}

func (p *ScriptPlugin) OnRequest(ev *event.Event) bool {
	return p.dispatch("on_request", ev)
}

// IsScript reports whether a directory entry looks like a plugin script.
func IsScript(name string) bool {
	return strings.HasSuffix(name, ScriptExt)
}
