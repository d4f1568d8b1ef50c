package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/queue"
	"argumentcoach/pkg/storage"
	"github.com/alicebob/miniredis/v2"
)

type argumentMap map[string]domain.Argument

func (m argumentMap) GetArgument(_ context.Context, id string) (domain.Argument, bool, error) {
	arg, ok := m[id]
	return arg, ok, nil
}

type failingSource struct{}

func (failingSource) GetArgument(context.Context, string) (domain.Argument, bool, error) {
	return domain.Argument{}, false, errors.New("db down")
}

var archivedAt = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestWorker(t *testing.T, src ArgumentSource, runner JobRunner) (*Worker, *storage.MemoryStore) {
	t.Helper()
	objects := storage.NewMemoryStore("http://files.test")
	if runner == nil {
		runner = noopRunner{}
	}
	w, err := NewWorker(Config{
		Queue:     runner,
		Arguments: src,
		Archive:   storage.NewArgumentArchive(objects, time.Minute),
		Now:       func() time.Time { return archivedAt },
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w, objects
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, int, queue.Handler) error { return nil }

func completedArgument() domain.Argument {
	return domain.Argument{
		ID:        "arg-1",
		UserID:    "user-1",
		SessionID: "sess-1",
		Name:      "Uniforms",
		Fields:    domain.ArgumentFields{Claim: "Uniforms reduce bullying"},
		Completed: true,
	}
}

func TestHandleWritesArchive(t *testing.T) {
	w, objects := newTestWorker(t, argumentMap{"arg-1": completedArgument()}, nil)
	if err := w.Handle(context.Background(), queue.Job{ID: "job-1", ArgumentID: "arg-1", UserID: "user-1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	data, contentType, ok := objects.Get(storage.ArchiveKey("user-1", "arg-1"))
	if !ok {
		t.Fatalf("archive object missing")
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %q", contentType)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if doc["id"] != "arg-1" {
		t.Fatalf("archive id = %v", doc["id"])
	}
}

func TestHandleSkipsUnusableArguments(t *testing.T) {
	draft := completedArgument()
	draft.ID = "arg-2"
	draft.Completed = false
	w, objects := newTestWorker(t, argumentMap{"arg-1": completedArgument(), "arg-2": draft}, nil)
	jobs := []queue.Job{
		{ID: "missing", ArgumentID: "nope", UserID: "user-1"},
		{ID: "foreign", ArgumentID: "arg-1", UserID: "user-9"},
		{ID: "draft", ArgumentID: "arg-2", UserID: "user-1"},
	}
	for _, job := range jobs {
		if err := w.Handle(context.Background(), job); err != nil {
			t.Fatalf("%s: expected drop without retry, got %v", job.ID, err)
		}
	}
	if _, _, ok := objects.Get(storage.ArchiveKey("user-1", "arg-1")); ok {
		t.Fatalf("foreign job must not write archive")
	}
}

func TestHandleReturnsStoreErrorForRetry(t *testing.T) {
	w, _ := newTestWorker(t, failingSource{}, nil)
	if err := w.Handle(context.Background(), queue.Job{ID: "job-1", ArgumentID: "arg-1"}); err == nil {
		t.Fatalf("expected error for retry")
	}
}

func TestWorkerConsumesRedisQueue(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:archive",
		Group:      "archivers",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	w, objects := newTestWorker(t, argumentMap{"arg-1": completedArgument()}, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The group is created at "$", so enqueue only once the worker is reading.
	var job queue.Job
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if redisSrv.Exists("test:archive") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, err = q.Enqueue(context.Background(), "arg-1", "user-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for time.Now().Before(deadline) {
		got, ok, err := q.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && got.Status == queue.StatusDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, _, ok := objects.Get(storage.ArchiveKey("user-1", "arg-1")); !ok {
		t.Fatalf("archive object missing after worker run")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
