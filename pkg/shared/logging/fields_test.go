package logging

import (
	"errors"
	"testing"
	"time"
)

func TestFieldsChaining(t *testing.T) {
	f := New().
		Component("pipeline").
		Operation("processQueue").
		Resource("gate").
		Duration(2 * time.Second).
		Error(errors.New("boom")).
		Count(3)

	kv := f.KeysAndValues()
	m := toMap(kv)

	if m["component"] != "pipeline" {
		t.Fatalf("expected component=pipeline, got %v", m["component"])
	}
	if m["operation"] != "processQueue" {
		t.Fatalf("expected operation=processQueue, got %v", m["operation"])
	}
	if m["error"] != "boom" {
		t.Fatalf("expected error=boom, got %v", m["error"])
	}
	if m["count"] != 3 {
		t.Fatalf("expected count=3, got %v", m["count"])
	}
}

func TestFields_NilErrorOmitted(t *testing.T) {
	f := New().Component("x").Error(nil)
	m := toMap(f.KeysAndValues())
	if _, ok := m["error"]; ok {
		t.Fatal("nil error should not set the error key")
	}
}

func TestQueueFields(t *testing.T) {
	m := toMap(QueueFields("gate", "default", 4).KeysAndValues())
	if m["pipeline"] != "gate" || m["queue_name"] != "default" || m["count"] != 4 {
		t.Fatalf("unexpected queue fields: %v", m)
	}
}

func TestSemaphoreFields(t *testing.T) {
	m := toMap(SemaphoreFields("build-gate", 1, 2).KeysAndValues())
	if m["resource"] != "build-gate" || m["holders"] != 1 || m["max"] != 2 {
		t.Fatalf("unexpected semaphore fields: %v", m)
	}
}

func toMap(kv []any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		m[key] = kv[i+1]
	}
	return m
}
