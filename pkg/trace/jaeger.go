package trace

// JaegerExport renders the recorded spans in the Jaeger UI's JSON shape,
// grouped by trace id.
func (t *Tracer) JaegerExport(serviceName string) map[string]any {
	spans := t.Spans()

	byTrace := map[string][]*Span{}
	var order []string
	for _, s := range spans {
		if _, seen := byTrace[s.TraceID]; !seen {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	data := make([]any, 0, len(order))
	for _, traceID := range order {
		jaegerSpans := make([]any, 0, len(byTrace[traceID]))
		for _, s := range byTrace[traceID] {
			js := map[string]any{
				"traceID":       s.TraceID,
				"spanID":        s.SpanID,
				"operationName": s.OpName,
				"startTime":     s.StartUS,
				"duration":      s.DurationUS(),
				"processID":     "p1",
				"tags":          s.Tags,
			}
			if s.ParentSpanID != "" {
				js["parentSpanID"] = s.ParentSpanID
			}
			logs := make([]any, 0, len(s.Logs))
			for _, l := range s.Logs {
				logs = append(logs, map[string]any{
					"timestamp": l.TimestampUS,
					"message":   l.Message,
				})
			}
			js["logs"] = logs
			jaegerSpans = append(jaegerSpans, js)
		}
		data = append(data, map[string]any{
			"traceID": traceID,
			"spans":   jaegerSpans,
			"processes": map[string]any{
				"p1": map[string]any{"serviceName": serviceName},
			},
		})
	}
	return map[string]any{"data": data}
}
