// Package logging provides a fluent structured-field builder layered over
// go-logr/logr, plus domain field-set constructors for the pipeline
// gating components.
package logging

import (
	"sort"
	"time"

	"github.com/go-logr/logr"
)

// Fields is a chainable builder for structured log key/value pairs.
type Fields struct {
	kv map[string]any
}

// New starts an empty field set.
func New() *Fields {
	return &Fields{kv: make(map[string]any)}
}

func (f *Fields) set(key string, value any) *Fields {
	if f.kv == nil {
		f.kv = make(map[string]any)
	}
	f.kv[key] = value
	return f
}

func (f *Fields) Component(name string) *Fields   { return f.set("component", name) }
func (f *Fields) Operation(name string) *Fields   { return f.set("operation", name) }
func (f *Fields) Resource(name string) *Fields    { return f.set("resource", name) }
func (f *Fields) Duration(d time.Duration) *Fields { return f.set("duration", d.String()) }
func (f *Fields) Error(err error) *Fields {
	if err == nil {
		return f
	}
	return f.set("error", err.Error())
}
func (f *Fields) RequestID(id string) *Fields { return f.set("request_id", id) }
func (f *Fields) TraceID(id string) *Fields   { return f.set("trace_id", id) }
func (f *Fields) Count(n int) *Fields         { return f.set("count", n) }
func (f *Fields) Size(n int) *Fields          { return f.set("size", n) }
func (f *Fields) Version(v int64) *Fields     { return f.set("version", v) }
func (f *Fields) Custom(key string, value any) *Fields { return f.set(key, value) }

// KeysAndValues flattens the field set into logr's variadic keysAndValues
// form, in a stable (sorted) key order so log lines are diffable.
func (f *Fields) KeysAndValues() []any {
	keys := make([]string, 0, len(f.kv))
	for k := range f.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, f.kv[k])
	}
	return out
}

// Apply logs msg at info level on logger with this field set's key/values.
func (f *Fields) Apply(logger logr.Logger, msg string) {
	logger.Info(msg, f.KeysAndValues()...)
}

// QueueFields builds the field set common to ChangeQueue operations.
func QueueFields(pipeline, queueName string, length int) *Fields {
	return New().Component("queue").Custom("pipeline", pipeline).Custom("queue_name", queueName).Count(length)
}

// ItemFields builds the field set common to QueueItem lifecycle logs.
func ItemFields(itemUUID, changeKey string, live bool) *Fields {
	return New().Component("item").Custom("item_uuid", itemUUID).Custom("change_key", changeKey).Custom("live", live)
}

// SemaphoreFields builds the field set for semaphore acquire/release logs.
func SemaphoreFields(name string, holders, max int) *Fields {
	return New().Component("semaphore").Resource(name).Custom("holders", holders).Custom("max", max)
}

// LayoutFields builds the field set for layout cache/loader logs.
func LayoutFields(uuid string, trusted bool) *Fields {
	return New().Component("layout").Custom("layout_uuid", uuid).Custom("trusted", trusted)
}

// BundleFields builds the field set for cross-change bundle logs.
func BundleFields(size int, startedReporting, cannotMerge bool) *Fields {
	return New().Component("bundle").Count(size).Custom("started_reporting", startedReporting).Custom("cannot_merge", cannotMerge)
}

// ReportFields builds the field set for report-decision logs.
func ReportFields(result string, consecutiveFailures int) *Fields {
	return New().Component("report").Custom("result", result).Custom("consecutive_failures", consecutiveFailures)
}
