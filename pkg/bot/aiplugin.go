package bot

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/cache"
	"github.com/go-go-golems/lchbot/pkg/contextstore"
	"github.com/go-go-golems/lchbot/pkg/event"
	"github.com/go-go-golems/lchbot/pkg/metrics"
	"github.com/go-go-golems/lchbot/pkg/plugin"
	"github.com/go-go-golems/lchbot/pkg/ratelimit"
)

// AIPluginName is the builtin chat plugin's registered name.
const AIPluginName = "ai_chat"

// Version is the framework version reported by /status and /about.
const Version = "1.0.0"

var cqAtRe = regexp.MustCompile(`\[CQ:at,qq=\d+[^\]]*\]`)

// AIPlugin is the builtin chat handler: answers @-mentions in groups, every
// private message, and the slash commands.
type AIPlugin struct {
	plugin.Base

	client        *AIClient
	store         *contextstore.Store
	personalities *Personalities
	permissions   *Permissions
	stats         *Statistics
	responses     *cache.Cache
	limiter       *ratelimit.Limiter
	metrics       *metrics.Metrics
	lang          Language

	sendGroup   func(groupID int64, message string)
	sendPrivate func(userID int64, message string)
}

// AIPluginDeps carries the subsystems the plugin borrows from the runtime.
type AIPluginDeps struct {
	Client        *AIClient
	Store         *contextstore.Store
	Personalities *Personalities
	Permissions   *Permissions
	Stats         *Statistics
	Responses     *cache.Cache
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	Language      Language

	SendGroup   func(groupID int64, message string)
	SendPrivate func(userID int64, message string)
}

// NewAIPlugin builds the builtin plugin.
func NewAIPlugin(deps AIPluginDeps) *AIPlugin {
	return &AIPlugin{
		client:        deps.Client,
		store:         deps.Store,
		personalities: deps.Personalities,
		permissions:   deps.Permissions,
		stats:         deps.Stats,
		responses:     deps.Responses,
		limiter:       deps.Limiter,
		metrics:       deps.Metrics,
		lang:          deps.Language,
		sendGroup:     deps.SendGroup,
		sendPrivate:   deps.SendPrivate,
	}
}

// Info identifies the plugin. Priority 0 lets higher-priority plugins claim
// commands before the chat fallback runs.
func (p *AIPlugin) Info() plugin.Info {
	return plugin.Info{
		Name:        AIPluginName,
		Version:     Version,
		Author:      "LCHBOT",
		Description: "AI chat with durable conversation context",
		Priority:    0,
	}
}

func (p *AIPlugin) OnLoad(*plugin.HostContext) error {
	log.Info().Msg("ai plugin loaded")
	return nil
}

func (p *AIPlugin) OnUnload() {
	log.Info().Msg("ai plugin unloaded")
}

func (p *AIPlugin) OnGroupMessage(ev *event.Event) bool {
	m := ev.Message
	if m == nil {
		return false
	}
	policy := p.permissions.GroupPolicyFor(m.GroupID)

	if !m.MentionsSelf(ev.SelfID) && !strings.Contains(m.RawMessage, fmt.Sprintf("[CQ:at,qq=%d", ev.SelfID)) {
		return false
	}

	content := strings.TrimSpace(cqAtRe.ReplaceAllString(m.RawMessage, ""))
	if content == "" {
		content = strings.TrimSpace(m.PlainText())
	}
	if content == "" {
		return false
	}

	if strings.HasPrefix(content, "/") {
		if !policy.CommandsEnabled {
			return false
		}
		return p.handleCommand(ev, content)
	}
	if !policy.AIEnabled {
		return false
	}
	p.chat(ev, content)
	return true
}

func (p *AIPlugin) OnPrivateMessage(ev *event.Event) bool {
	m := ev.Message
	if m == nil {
		return false
	}
	content := strings.TrimSpace(m.PlainText())
	if content == "" {
		return false
	}
	if strings.HasPrefix(content, "/") {
		return p.handleCommand(ev, content)
	}
	p.chat(ev, content)
	return true
}

func (p *AIPlugin) reply(ev *event.Event, text string) {
	m := ev.Message
	if m == nil {
		return
	}
	if m.Kind == event.MessageGroup {
		if p.sendGroup != nil {
			p.sendGroup(m.GroupID, text)
		}
		return
	}
	if p.sendPrivate != nil {
		p.sendPrivate(m.UserID, text)
	}
}

func (p *AIPlugin) persona(ev *event.Event) Personality {
	if ev.Message != nil && ev.Message.Kind == event.MessageGroup {
		return p.personalities.ForGroup(ev.Message.GroupID)
	}
	return p.personalities.Current()
}

func (p *AIPlugin) chat(ev *event.Event, content string) {
	m := ev.Message
	key := m.ContextKey()
	persona := p.persona(ev)

	switch p.limiter.Check(key) {
	case ratelimit.RateLimited:
		p.metrics.RateLimitedTotal.WithLabelValues(key).Inc()
		p.reply(ev, UserError(CodeAIRateLimit, p.lang))
		return
	case ratelimit.CircuitOpen:
		p.metrics.RateLimitedTotal.WithLabelValues(key).Inc()
		p.reply(ev, UserError(CodeAIError, p.lang))
		return
	}

	window := p.store.BuildWindow(key, content)
	prompt := content
	if window != "" {
		prompt = window + "\n[current message]\n" + content
	}
	if name := m.Sender.DisplayName(); name != "" {
		prompt = prompt + "\n(from: " + name + ")"
	}

	cacheKey := persona.ID + "\x00" + key + "\x00" + content
	start := time.Now()
	answer, err := p.responses.GetOrCompute(cacheKey, func() (string, error) {
		return p.client.Chat(prompt, persona.Prompt)
	})
	latency := time.Since(start)

	p.stats.RecordAPICall(m.GroupID)
	if err != nil {
		p.limiter.RecordFailure(key)
		code := CodeAIError
		if aiErr, ok := err.(*AIError); ok {
			code = aiErr.Code()
		}
		p.metrics.ObserveAIRequest(p.client.Model, "error", latency)
		p.metrics.CountError("AI", fmt.Sprintf("%d", int(code)))
		log.Warn().Err(err).Str("context_key", key).Msg("ai chat failed")
		p.reply(ev, UserError(code, p.lang))
		return
	}

	p.limiter.RecordSuccess(key)
	p.metrics.ObserveAIRequest(p.client.Model, "ok", latency)

	if err := p.store.Append(key, "assistant", answer, persona.Name, 0); err != nil {
		log.Warn().Err(err).Msg("record assistant reply failed")
	}
	p.reply(ev, answer)
}

func (p *AIPlugin) handleCommand(ev *event.Event, content string) bool {
	fields := strings.Fields(content)
	cmd := fields[0]
	persona := p.persona(ev)

	switch cmd {
	case "/help":
		p.reply(ev, "=== "+persona.Name+" ===\n"+
			"Commands:\n"+
			"  /help - this help\n"+
			"  /status - runtime status\n"+
			"  /clear - clear conversation context\n"+
			"  /persona - list personas\n"+
			"  /persona <id> - switch persona\n"+
			"  /about - about this bot\n"+
			"\nChat: @me with a message")
		return true

	case "/status":
		p.reply(ev, fmt.Sprintf("=== Status ===\nState: running\nVersion: %s\nPersona: %s\nProtocol: OneBot 11\nAPI calls: %d",
			Version, persona.Name, p.stats.TotalCalls()))
		return true

	case "/clear":
		key := ev.Message.ContextKey()
		if err := p.store.Clear(key); err != nil {
			p.reply(ev, UserError(CodeDBQueryFailed, p.lang))
			return true
		}
		p.reply(ev, "Context cleared (^^)")
		return true

	case "/persona":
		if len(fields) == 1 {
			var b strings.Builder
			b.WriteString("=== Personas ===\n")
			for _, pers := range p.personalities.List() {
				marker := " "
				if pers.ID == persona.ID {
					marker = "*"
				}
				fmt.Fprintf(&b, " %s %s - %s\n", marker, pers.ID, pers.Name)
			}
			b.WriteString("\nUse /persona <id> to switch")
			p.reply(ev, b.String())
			return true
		}

		id := fields[1]
		var switched Personality
		var ok bool
		if ev.Message.Kind == event.MessageGroup {
			switched, ok = p.personalities.SwitchGroup(ev.Message.GroupID, id)
		} else {
			switched, ok = p.personalities.Switch(id)
		}
		if !ok {
			p.reply(ev, "Unknown persona, use /persona to list")
			return true
		}
		p.reply(ev, "Persona switched to: "+switched.Name)
		return true

	case "/about":
		p.reply(ev, "=== About "+persona.Name+" ===\n"+
			"LCHBOT chat framework\n"+
			"OneBot 11 protocol\n"+
			"Version "+Version)
		return true
	}
	return false
}
