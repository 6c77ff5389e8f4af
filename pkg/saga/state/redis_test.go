// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package state

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// newTestRedisStore connects to a local Redis server or skips the test
// when none is reachable.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 9})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis is not available for testing:", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedisStoreWithClient(client, "sagatest:instance:", "sagatest:active")
}

func TestRedisStoreConfig_Defaults(t *testing.T) {
	cfg := DefaultRedisConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if cfg.KeyPrefix != "saga:instance:" || cfg.ActiveSetKey != "saga:active" {
		t.Errorf("Unexpected defaults %+v", cfg)
	}

	bad := &RedisConfig{}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for empty addr")
	}
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	inst := NewInstance("record-update", "corr-1", "record-9")
	inst.Transition(saga.StatusRunning)
	inst.ContextSnapshot = map[string]any{"row_id": "row-1"}

	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Status != saga.StatusRunning || got.CorrelationKey != "corr-1" {
		t.Errorf("Unexpected instance %+v", got)
	}
	if got.ContextSnapshot["row_id"] != "row-1" {
		t.Errorf("Context snapshot did not round-trip: %+v", got.ContextSnapshot)
	}
}

func TestRedisStore_LoadMissing(t *testing.T) {
	s := newTestRedisStore(t)

	if _, err := s.Load(context.Background(), "nope"); err != ErrInstanceNotFound {
		t.Errorf("Expected ErrInstanceNotFound, got %v", err)
	}
}

func TestRedisStore_ListNonTerminalTracksTerminality(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	inst := NewInstance("record-update", "corr-1", "record-9")
	inst.Transition(saga.StatusRunning)
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	list, err := s.ListNonTerminal(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminal failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != inst.ID {
		t.Fatalf("Expected the running instance, got %+v", list)
	}

	// Reaching a terminal status drops the instance from the active
	// set on the next save.
	inst.Transition(saga.StatusCompleted)
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Terminal save failed: %v", err)
	}
	list, err = s.ListNonTerminal(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminal failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected no non-terminal instances, got %+v", list)
	}

	// The terminal instance itself is still loadable for audit.
	got, err := s.Load(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Load after terminal save failed: %v", err)
	}
	if got.Status != saga.StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}
