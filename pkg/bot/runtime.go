package bot

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/lchbot/pkg/cache"
	"github.com/go-go-golems/lchbot/pkg/config"
	"github.com/go-go-golems/lchbot/pkg/contextstore"
	"github.com/go-go-golems/lchbot/pkg/event"
	"github.com/go-go-golems/lchbot/pkg/jsonx"
	"github.com/go-go-golems/lchbot/pkg/metrics"
	"github.com/go-go-golems/lchbot/pkg/outqueue"
	"github.com/go-go-golems/lchbot/pkg/plugin"
	"github.com/go-go-golems/lchbot/pkg/ratelimit"
	"github.com/go-go-golems/lchbot/pkg/rpc"
	"github.com/go-go-golems/lchbot/pkg/sandbox"
	"github.com/go-go-golems/lchbot/pkg/trace"
	"github.com/go-go-golems/lchbot/pkg/transport"
)

// Runtime owns every subsystem. There are no package-level singletons;
// components receive what they need from here.
type Runtime struct {
	cfg *config.Config

	store         *contextstore.Store
	host          *plugin.Host
	sandboxes     *sandbox.Sandbox
	queue         *outqueue.Queue
	responses     *cache.Cache
	limiter       *ratelimit.Limiter
	tracer        *trace.Tracer
	metrics       *metrics.Metrics
	permissions   *Permissions
	personalities *Personalities
	stats         *Statistics
	groupCache    *GroupMemberCache
	events        *EventHub

	client  *transport.Client
	gateway *rpc.Gateway
	admin   *http.Server
	jobs    *cron.Cron

	cacheFile string
}

// NewRuntime constructs and wires all subsystems from the configuration.
func NewRuntime(cfg *config.Config) (*Runtime, error) {
	r := &Runtime{
		cfg:        cfg,
		sandboxes:  sandbox.New(),
		responses:  cache.New(),
		limiter:    ratelimit.New(ratelimit.DefaultConfig()),
		tracer:     trace.New(1.0),
		metrics:    metrics.New(),
		stats:      NewStatistics(),
		groupCache: NewGroupMemberCache(),
		events:     NewEventHub(),
		cacheFile:  filepath.Join(cfg.DataDir, "response_cache.tsv"),
	}

	store, err := contextstore.Open(filepath.Join(cfg.DataDir, "context.db"))
	if err != nil {
		return nil, errors.Wrap(err, "runtime: context store")
	}
	r.store = store

	r.permissions, err = LoadPermissions(filepath.Join(cfg.ConfigDir, "permissions.json"), cfg.MasterQQ)
	if err != nil {
		return nil, errors.Wrap(err, "runtime: permissions")
	}
	r.personalities, err = LoadPersonalities(filepath.Join(cfg.ConfigDir, "personalities.json"))
	if err != nil {
		return nil, errors.Wrap(err, "runtime: personalities")
	}

	if err := r.responses.LoadFile(r.cacheFile); err != nil {
		log.Warn().Err(err).Msg("runtime: cache reload failed, starting cold")
	}

	// Transport and RPC. The gateway serializes through the client; the
	// client feeds inbound payloads back through handleInbound.
	r.client = transport.NewClient(transport.ClientConfig{
		Host:                 cfg.WebSocket.Host,
		Port:                 cfg.WebSocket.Port,
		Path:                 cfg.WebSocket.Path,
		Token:                cfg.WebSocket.Token,
		HeartbeatInterval:    time.Duration(cfg.WebSocket.HeartbeatIntervalMS) * time.Millisecond,
		ReconnectInterval:    time.Duration(cfg.WebSocket.ReconnectIntervalMS) * time.Millisecond,
		MaxReconnectAttempts: cfg.WebSocket.MaxReconnectAttempts,
	})
	r.gateway = rpc.New(r.client.Send)
	r.client.OnMessage = r.handleInbound
	var connected atomic.Bool
	r.client.OnOpen = func() {
		connected.Store(true)
		r.metrics.ActiveConnections.Inc()
		go r.announceLogin()
	}
	r.client.OnClose = func(err error) {
		// OnClose also fires when reconnect attempts run out without an
		// open connection; only balance an actual Inc.
		if connected.Swap(false) {
			r.metrics.ActiveConnections.Dec()
		}
	}

	// Outbound queue drains into the gateway.
	r.queue, err = outqueue.New(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "runtime: outqueue")
	}
	r.queue.SetCallbacks(r.sendGroup, r.sendPrivate)

	// Plugin host: builtin AI plugin first, then the plugin dir scan.
	hostCtx := &plugin.HostContext{
		SendGroup:   r.sendGroup,
		SendPrivate: r.sendPrivate,
		Masters:     cfg.MasterQQ,
		DataDir:     cfg.DataDir,
	}
	r.host = plugin.NewHost(hostCtx, r.emitScriptReply)
	r.host.Observer = func(name string, ok bool) {
		status := "ok"
		if !ok {
			status = "error"
		}
		r.metrics.PluginExecutions.WithLabelValues(name, status).Inc()
	}
	r.sandboxes.DisableHook = func(name string) {
		log.Warn().Str("plugin", name).Msg("runtime: plugin disabled after sandbox violation")
		r.host.SetEnabled(name, false)
	}

	aiPlugin := NewAIPlugin(AIPluginDeps{
		Client:        NewAIClient(cfg.AI.APIURL, cfg.AI.APIKey, cfg.AI.Model),
		Store:         r.store,
		Personalities: r.personalities,
		Permissions:   r.permissions,
		Stats:         r.stats,
		Responses:     r.responses,
		Limiter:       r.limiter,
		Metrics:       r.metrics,
		Language:      LangEN,
		SendGroup:     r.sendGroup,
		SendPrivate:   r.sendPrivate,
	})
	if err := r.host.Register(aiPlugin, plugin.OriginBuiltin); err != nil {
		return nil, errors.Wrap(err, "runtime: register ai plugin")
	}
	if cfg.Plugin.EnableScripted || cfg.Plugin.EnableNative {
		r.host.LoadDir(cfg.Plugin.PluginsDir)
	}

	// The script harness does not thread plugin names through the reply
	// queue, so scripted sends share one sandbox profile. Per-plugin
	// profiles are installed for everything the scan loaded; they survive
	// hot reloads because the sandbox is keyed by name.
	r.sandboxes.Configure("scripted", sandbox.Profile{
		Permissions: sandbox.PermSendMessage,
		Limits:      sandbox.DefaultLimits(),
		Enabled:     true,
	})
	for _, d := range r.host.Descriptors() {
		if _, ok := r.sandboxes.ProfileFor(d.Name); !ok {
			r.sandboxes.Configure(d.Name, sandbox.Profile{
				Permissions: sandbox.PermSendMessage | sandbox.PermReadHistory,
				Limits:      sandbox.DefaultLimits(),
				Enabled:     true,
			})
		}
	}

	r.admin = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.AdminPort),
		Handler: r.adminRouter(),
	}

	r.jobs = cron.New()
	if _, err := r.jobs.AddFunc("17 4 * * *", func() {
		if _, err := r.store.Sweep(contextstore.DefaultTTL); err != nil {
			log.Warn().Err(err).Msg("runtime: context sweep failed")
		}
	}); err != nil {
		return nil, errors.Wrap(err, "runtime: schedule sweep")
	}
	if _, err := r.jobs.AddFunc("@every 5m", func() {
		r.responses.ClearExpired()
		if err := r.responses.SaveFile(r.cacheFile); err != nil {
			log.Warn().Err(err).Msg("runtime: cache persist failed")
		}
	}); err != nil {
		return nil, errors.Wrap(err, "runtime: schedule cache persist")
	}
	if _, err := r.jobs.AddFunc("@hourly", func() {
		r.limiter.Cleanup(2 * time.Hour)
	}); err != nil {
		return nil, errors.Wrap(err, "runtime: schedule limiter cleanup")
	}

	return r, nil
}

// Start launches every background service and blocks until ctx is canceled
// or the admin listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	r.client.Start()
	r.queue.Start()
	r.host.StartHotReload(r.cfg.Plugin.PluginsDir, time.Duration(r.cfg.Plugin.ReloadIntervalS)*time.Second)
	r.jobs.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", r.admin.Addr).Msg("runtime: admin listener up")
		if err := r.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "runtime: admin listener")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		r.Stop()
		return nil
	})
	return g.Wait()
}

// Stop shuts everything down in dependency order.
func (r *Runtime) Stop() {
	log.Info().Msg("runtime: shutting down")

	r.host.StopHotReload()
	<-r.jobs.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.admin.Shutdown(shutdownCtx)
	r.events.CloseAll()

	r.queue.Stop()
	r.client.Stop()
	r.gateway.Close()

	r.host.UnloadAll()

	if err := r.responses.SaveFile(r.cacheFile); err != nil {
		log.Warn().Err(err).Msg("runtime: final cache persist failed")
	}
	if err := r.store.Flush(); err != nil {
		log.Warn().Err(err).Msg("runtime: final store flush failed")
	}
	log.Info().Msg("runtime: shutdown complete")
}

// handleInbound is the single entry point for gateway payloads. RPC
// responses resolve pending calls; everything else decodes into an event.
func (r *Runtime) handleInbound(payload string) {
	v, err := jsonx.Parse(payload)
	if err != nil {
		r.metrics.CountError("Network", "parse")
		log.Warn().Err(err).Msg("runtime: unparsable inbound payload")
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}

	if r.gateway.Resolve(obj) {
		return
	}

	ev := event.Decode(obj)
	if ev == nil {
		return
	}
	r.handleEvent(ev)
}

func (r *Runtime) handleEvent(ev *event.Event) {
	span := r.tracer.Start("event." + ev.Kind.String())
	defer span.Finish()

	r.events.Publish(ev)

	switch ev.Kind {
	case event.KindMessage:
		r.handleMessage(ev, span)
	case event.KindNotice:
		span.SetTag("notice_type", ev.Notice.NoticeType)
		r.host.Dispatch(ev)
	case event.KindRequest:
		span.SetTag("request_type", ev.Request.RequestType)
		r.host.Dispatch(ev)
	case event.KindMeta:
		// lifecycle and heartbeat are observed, never dispatched
		span.SetTag("meta_type", ev.Meta.MetaType)
	}
}

func (r *Runtime) handleMessage(ev *event.Event, span *trace.Span) {
	m := ev.Message
	key := m.ContextKey()
	span.SetTag("context_key", key)

	if m.Kind == event.MessageGroup {
		r.metrics.CountMessage("group", strconv.FormatInt(m.GroupID, 10))
		log.Info().Int64("group", m.GroupID).Int64("user", m.UserID).
			Str("sender", m.Sender.DisplayName()).Msg("group message")

		if r.groupCache.NeedsFetch(m.GroupID) {
			// Detached so the receive loop keeps draining; the RPC answer
			// comes back through this same loop.
			go r.fetchGroupMembers(m.GroupID)
		}
	} else {
		r.metrics.CountMessage("private", "0")
		log.Info().Int64("user", m.UserID).Msg("private message")
	}

	content := m.PlainText()
	if content != "" {
		name := m.Sender.DisplayName()
		if err := r.store.Append(key, "user", content, name, m.UserID); err != nil {
			r.metrics.CountError("Database", strconv.Itoa(int(CodeDBQueryFailed)))
			log.Warn().Err(err).Str("context_key", key).Msg("runtime: record message failed")
		}
	}

	dispatchSpan := r.tracer.StartChild("plugin.dispatch", span)
	r.host.Dispatch(ev)
	dispatchSpan.Finish()
}

func (r *Runtime) fetchGroupMembers(groupID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := r.gateway.GetGroupMemberList(ctx, groupID)
	if err != nil || !resp.Ok() {
		r.groupCache.Fail(groupID)
		log.Warn().Err(err).Int64("group", groupID).Msg("runtime: member list fetch failed")
		return
	}
	r.groupCache.Store(groupID, resp.Data)
	log.Debug().Int64("group", groupID).Int("members", r.groupCache.Size(groupID)).Msg("runtime: member list cached")
}

func (r *Runtime) announceLogin() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := r.gateway.GetLoginInfo(ctx)
	if err != nil || !resp.Ok() {
		log.Warn().Err(err).Msg("runtime: get_login_info failed")
		return
	}
	if data, ok := resp.Data.(map[string]any); ok {
		log.Info().Int64("user_id", jsonx.I64(data, "user_id", 0)).
			Str("nickname", jsonx.Str(data, "nickname", "")).Msg("runtime: logged in")
	}
}

// sendGroup ships one group message through the RPC gateway on a detached
// goroutine: dispatch runs on the receive thread, and the response echo
// arrives on that same thread.
func (r *Runtime) sendGroup(groupID int64, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.gateway.SendGroupMsg(ctx, groupID, message); err != nil {
			r.metrics.CountError("Network", strconv.Itoa(int(CodeNetworkTimeout)))
			log.Warn().Err(err).Int64("group", groupID).Msg("runtime: send_group_msg failed")
		}
	}()
}

func (r *Runtime) sendPrivate(userID int64, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.gateway.SendPrivateMsg(ctx, userID, message); err != nil {
			r.metrics.CountError("Network", strconv.Itoa(int(CodeNetworkTimeout)))
			log.Warn().Err(err).Int64("user", userID).Msg("runtime: send_private_msg failed")
		}
	}()
}

// emitScriptReply is the scripted plugins' reply path: sandbox-gated, then
// durably queued for the drain worker.
func (r *Runtime) emitScriptReply(action string, targetID int64, message string) {
	// The plugin name is not threaded through the harness; scripted sends
	// are gated collectively under the reserved "scripted" profile.
	if err := r.sandboxes.CheckSendMessage("scripted"); err != nil {
		log.Warn().Err(err).Msg("runtime: scripted reply blocked")
		return
	}
	if err := r.queue.Append(outqueue.Entry{Action: action, TargetID: targetID, Message: message}); err != nil {
		log.Error().Err(err).Msg("runtime: queue append failed")
	}
}

// Uptime exposes the runtime's age for the admin API.
func (r *Runtime) Uptime() time.Duration { return r.stats.Uptime() }

func (r *Runtime) String() string {
	return fmt.Sprintf("lchbot runtime (plugins=%d)", r.host.Count())
}
