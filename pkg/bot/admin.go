package bot

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/contextstore"
	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

const statusPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>lchbot</title></head>
<body>
<h1>lchbot</h1>
<p>Status: running</p>
<ul>
<li><a href="/api/stats">stats</a></li>
<li><a href="/api/plugins">plugins</a></li>
<li><a href="/metrics">metrics</a></li>
<li><a href="/api/traces">traces</a></li>
</ul>
</body>
</html>
`

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsonx.Stringify(v)
	if err != nil {
		log.Warn().Err(err).Msg("admin: encode response failed")
		code = http.StatusInternalServerError
		body = `{"error":"encoding failure"}`
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

// adminRouter builds the management surface with permissive CORS. The /api
// routes answer JSON; / serves an HTML status page, /metrics the Prometheus
// text format, and /api/events/ws upgrades to a websocket.
func (r *Runtime) adminRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	router.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(statusPage))
	})

	router.Get("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"total_calls":         r.stats.TotalCalls(),
			"active_groups":       r.stats.ActiveGroups(),
			"total_plugins":       r.host.Count(),
			"total_personalities": r.personalities.Count(),
			"uptime_seconds":      int64(r.Uptime().Seconds()),
			"transport_state":     r.client.State().String(),
		})
	})

	router.Get("/api/plugins", func(w http.ResponseWriter, _ *http.Request) {
		descs := r.host.Descriptors()
		out := make([]any, 0, len(descs))
		for _, d := range descs {
			out = append(out, map[string]any{
				"name":        d.Name,
				"version":     d.Version,
				"author":      d.Author,
				"description": d.Description,
				"priority":    d.Priority,
				"enabled":     d.Enabled,
				"origin":      d.Origin.String(),
				"script_path": d.ScriptPath,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
	})

	router.Post("/api/plugins/{name}/enable", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if !r.host.SetEnabled(name, true) {
			writeError(w, http.StatusNotFound, "no such plugin: "+name)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "enabled": true})
	})

	router.Post("/api/plugins/{name}/disable", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if !r.host.SetEnabled(name, false) {
			writeError(w, http.StatusNotFound, "no such plugin: "+name)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "enabled": false})
	})

	router.Post("/api/plugins/{name}/reload", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if err := r.host.Reload(name); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "reloaded": true})
	})

	router.Get("/api/groups", func(w http.ResponseWriter, _ *http.Request) {
		calls := r.stats.GroupCalls()
		out := make([]any, 0, len(calls))
		for id, n := range calls {
			out = append(out, map[string]any{
				"group_id":       id,
				"api_calls":      n,
				"cached_members": r.groupCache.Size(id),
				"policy":         r.permissions.GroupPolicyFor(id),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": out})
	})

	router.Get("/api/personalities", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"current":       r.personalities.Current().ID,
			"personalities": r.personalities.List(),
		})
	})

	router.Post("/api/reload", func(w http.ResponseWriter, _ *http.Request) {
		r.host.CheckScripts(r.cfg.Plugin.PluginsDir)
		if err := r.personalities.Reload(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
	})

	router.Get("/api/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.metrics.Summary())
	})
	router.Method(http.MethodGet, "/metrics", r.metrics.Handler())

	router.Get("/api/traces", func(w http.ResponseWriter, _ *http.Request) {
		spans := r.tracer.Spans()
		out := make([]any, 0, len(spans))
		for _, s := range spans {
			out = append(out, map[string]any{
				"trace_id":       s.TraceID,
				"span_id":        s.SpanID,
				"parent_span_id": s.ParentSpanID,
				"operation":      s.OpName,
				"start_us":       s.StartUS,
				"duration_us":    s.DurationUS(),
				"tags":           s.Tags,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"spans": out})
	})

	router.Get("/api/traces/jaeger", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.tracer.JaegerExport("lchbot"))
	})

	router.Get("/api/cache", func(w http.ResponseWriter, _ *http.Request) {
		st := r.responses.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"hits":        st.Hits,
			"misses":      st.Misses,
			"evictions":   st.Evictions,
			"expirations": st.Expirations,
			"total_bytes": st.TotalBytes,
			"entry_count": st.EntryCount,
			"hit_rate":    st.HitRate(),
		})
	})

	router.Post("/api/cache/clear", func(w http.ResponseWriter, _ *http.Request) {
		r.responses.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
	})

	router.Get("/api/sandbox", func(w http.ResponseWriter, _ *http.Request) {
		snapshot := r.sandboxes.Snapshot()
		violations := r.sandboxes.Violations()
		recent := make([]any, 0, len(violations))
		for _, v := range violations {
			recent = append(recent, map[string]any{
				"plugin": v.Plugin,
				"kind":   v.Kind.String(),
				"detail": v.Detail,
				"at":     v.At.Unix(),
			})
		}
		snapshot["recent_violations"] = recent
		writeJSON(w, http.StatusOK, snapshot)
	})

	router.Get("/api/permissions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, r.permissions.Snapshot())
	})

	router.Get("/api/ratelimit", func(w http.ResponseWriter, _ *http.Request) {
		stats := r.limiter.Stats()
		out := map[string]any{}
		for key, st := range stats {
			out[key] = map[string]any{
				"allowed":              st.Allowed,
				"limited":              st.Limited,
				"consecutive_failures": st.ConsecutiveFailures,
				"circuit_open":         st.CircuitOpen,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": out})
	})

	router.Get("/api/context/{key}", func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "key")
		query := req.URL.Query()
		limit := 50
		if q := query.Get("limit"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 {
				limit = n
			}
		}

		var msgs []contextstore.Message
		switch {
		case query.Get("q") != "":
			msgs = r.store.SearchKeyword(key, query.Get("q"), limit)
		case query.Get("sender") != "":
			msgs = r.store.SearchSender(key, query.Get("sender"), limit)
		case query.Get("from") != "" || query.Get("to") != "":
			from, _ := strconv.ParseInt(query.Get("from"), 10, 64)
			to, err := strconv.ParseInt(query.Get("to"), 10, 64)
			if err != nil || to == 0 {
				to = time.Now().Unix()
			}
			msgs = r.store.TimeRange(key, from, to, limit)
		default:
			msgs = r.store.Recent(key, limit)
		}
		out := make([]any, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, map[string]any{
				"id":          m.ID,
				"role":        m.Role,
				"content":     m.Content,
				"timestamp":   m.Timestamp,
				"sender_name": m.SenderName,
				"sender_id":   m.SenderID,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"context_key": key, "messages": out})
	})

	router.Get("/api/events/ws", r.events.ServeHTTP)

	return router
}
