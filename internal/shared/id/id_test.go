package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{TaskPrefix, RunnerPrefix, ConnPrefix} {
		id := gen.GenerateWithPrefix(prefix)

		if !strings.HasPrefix(id, prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", prefix, id)
		}

		parts := strings.Split(id, "_")
		if len(parts) != 2 || len(parts[1]) != 26 {
			t.Errorf("Prefixed ID should have format 'prefix_<26-char ulid>', got: %s", id)
		}
	}
}

func TestTypedIDs(t *testing.T) {
	task := NewTaskID()
	runner := NewRunnerID()
	conn := NewConnID()

	if !strings.HasPrefix(task.String(), "task_") {
		t.Errorf("Task ID prefix wrong: %s", task)
	}
	if !strings.HasPrefix(runner.String(), "run_") {
		t.Errorf("Runner ID prefix wrong: %s", runner)
	}
	if !strings.HasPrefix(conn.String(), "conn_") {
		t.Errorf("Conn ID prefix wrong: %s", conn)
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const n = 100

	var mu sync.Mutex
	seen := make(map[TaskID]bool, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewTaskID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("Expected %d unique IDs, got %d", n, len(seen))
	}
}
