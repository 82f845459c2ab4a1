package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tasksSpanName    = "crest.tasks.fetch"
	tasksEventName   = "tasks.request"
	tasksEventDomain = "crest"
	tasksRoute       = "/api/tasks"
)

// taskRequestMetrics collects per-request timings and counters for the tasks
// route and emits them as one OTel span plus one structured observability
// event on completion.
type taskRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	fetchDuration  time.Duration
	filterDuration time.Duration
	encodeDuration time.Duration
	tasksFetched   int
	tasksReturned  int
	filterActive   bool
	sortActive     bool
	errorStage     string
}

func newTaskRequestMetrics(ctx context.Context, logger *log.Logger) (*taskRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("crest-api/api").Start(ctx, tasksSpanName)
	return &taskRequestMetrics{logger: logger, span: span, start: time.Now()}, spanCtx
}

func (m *taskRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *taskRequestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *taskRequestMetrics) ObserveFilter(d time.Duration) {
	if d > 0 {
		m.filterDuration = d
	}
}

func (m *taskRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *taskRequestMetrics) SetTasksFetched(count int) {
	if count >= 0 {
		m.tasksFetched = count
	}
}

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	if count >= 0 {
		m.tasksReturned = count
	}
}

func (m *taskRequestMetrics) SetFilterActive(active bool) { m.filterActive = active }
func (m *taskRequestMetrics) SetSortActive(active bool)   { m.sortActive = active }

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and emits the observability event. Call exactly once
// per request.
func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", tasksRoute),
		attribute.Int64("http.status_code", int64(status)),
		attribute.Float64("crest.tasks.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("crest.tasks.filter_active", m.filterActive),
		attribute.Bool("crest.tasks.sort_active", m.sortActive),
		attribute.Int("crest.tasks.tasks_fetched", m.tasksFetched),
		attribute.Int("crest.tasks.tasks_returned", m.tasksReturned),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("crest.tasks.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.fetchDuration > 0 {
		attrs = append(attrs, attribute.Float64("crest.tasks.fetch_ms", durationToMillis(m.fetchDuration)))
	}
	if m.filterDuration > 0 {
		attrs = append(attrs, attribute.Float64("crest.tasks.filter_ms", durationToMillis(m.filterDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("crest.tasks.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("crest.tasks.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", tasksEventName),
		attribute.String("event.domain", tasksEventDomain),
		attribute.String("severity_text", severityText),
	}, attrs...)

	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
	if err != nil || status >= http.StatusInternalServerError {
		desc := "request failed"
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributesToFields(attrs),
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func attributesToFields(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
