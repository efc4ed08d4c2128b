package plugin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/lchbot/pkg/event"
	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

const echoScript = `
class EchoPlugin extends Plugin {
	constructor() {
		super();
		this.name = "echo";
		this.version = "2.0.0";
		this.author = "tester";
		this.description = "echoes group messages";
		this.priority = 42;
		this.loads = 0;
	}
	on_load() { this.loads++; }
	on_group_message(event) {
		reply(event, "you said: " + event.raw_message);
		return true;
	}
	on_private_message(event) {
		send_private_msg(event.user_id, "pm back");
		return false;
	}
}
register_plugin(new EchoPlugin());
`

type emitted struct {
	action  string
	target  int64
	message string
}

type emitRec struct {
	mu  sync.Mutex
	out []emitted
}

func (r *emitRec) emit(action string, target int64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, emitted{action, target, message})
}

func groupEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	v, err := jsonx.Parse(raw)
	require.NoError(t, err)
	ev := event.Decode(v.(map[string]any))
	require.NotNil(t, ev)
	return ev
}

func TestScriptPluginInfoAndDispatch(t *testing.T) {
	rec := &emitRec{}
	p, err := LoadScriptSource("echo.js", echoScript, []int64{111}, rec.emit)
	require.NoError(t, err)

	info := p.Info()
	assert.Equal(t, "echo", info.Name)
	assert.Equal(t, "2.0.0", info.Version)
	assert.Equal(t, int32(42), info.Priority)

	require.NoError(t, p.OnLoad(nil))

	ev := groupEvent(t, `{
		"post_type": "message", "message_type": "group",
		"group_id": 100, "user_id": 7,
		"raw_message": "hello", "message": "hello"
	}`)
	consumed := p.OnGroupMessage(ev)
	assert.True(t, consumed)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.out, 1)
	assert.Equal(t, "send_group_msg", rec.out[0].action)
	assert.Equal(t, int64(100), rec.out[0].target)
	assert.Equal(t, "you said: hello", rec.out[0].message)
}

func TestScriptReplyQueueDrainedPerDispatch(t *testing.T) {
	rec := &emitRec{}
	p, err := LoadScriptSource("echo.js", echoScript, nil, rec.emit)
	require.NoError(t, err)

	ev := groupEvent(t, `{
		"post_type": "message", "message_type": "private",
		"user_id": 9, "message": "hi", "raw_message": "hi"
	}`)
	assert.False(t, p.OnPrivateMessage(ev))
	assert.False(t, p.OnPrivateMessage(ev))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.out, 2, "queue is drained after each dispatch, not accumulated")
	assert.Equal(t, "send_private_msg", rec.out[0].action)
	assert.Equal(t, int64(9), rec.out[0].target)
}

func TestScriptIsMaster(t *testing.T) {
	script := `
class P extends Plugin {
	constructor() { super(); this.name = "m"; }
	on_message(event) {
		if (is_master(event.user_id)) {
			reply(event, "yes master");
			return true;
		}
		return false;
	}
}
register_plugin(new P());
`
	rec := &emitRec{}
	p, err := LoadScriptSource("m.js", script, []int64{555}, rec.emit)
	require.NoError(t, err)

	master := groupEvent(t, `{"post_type":"message","message_type":"private","user_id":555,"message":"x"}`)
	assert.True(t, p.OnMessage(master))

	stranger := groupEvent(t, `{"post_type":"message","message_type":"private","user_id":1,"message":"x"}`)
	assert.False(t, p.OnMessage(stranger))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.out, 1)
	assert.Equal(t, "yes master", rec.out[0].message)
}

func TestScriptWithoutRegisterRejected(t *testing.T) {
	_, err := LoadScriptSource("bad.js", `var x = 1;`, nil, nil)
	assert.Error(t, err)
}

func TestScriptWithoutNameRejected(t *testing.T) {
	_, err := LoadScriptSource("anon.js", `register_plugin(new Plugin());`, nil, nil)
	assert.Error(t, err)
}

func TestScriptSyntaxErrorRejected(t *testing.T) {
	_, err := LoadScriptSource("broken.js", `class {{{`, nil, nil)
	assert.Error(t, err)
}

func TestScriptExceptionSwallowed(t *testing.T) {
	script := `
class P extends Plugin {
	constructor() { super(); this.name = "thrower"; }
	on_message(event) { throw new Error("boom"); }
}
register_plugin(new P());
`
	p, err := LoadScriptSource("t.js", script, nil, nil)
	require.NoError(t, err)

	ev := groupEvent(t, `{"post_type":"message","message_type":"private","user_id":1,"message":"x"}`)
	assert.False(t, p.OnMessage(ev), "a throwing handler counts as not consumed")
}
