package snowflake

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorType   error
	}{
		{
			name:   "valid default configuration",
			config: Config{ProcessID: 1, WorkerID: 1},
		},
		{
			name:   "max ids for default layout",
			config: Config{ProcessID: 31, WorkerID: 31},
		},
		{
			name:        "invalid worker ID - too large",
			config:      Config{WorkerID: 32},
			expectError: true,
			errorType:   ErrInvalidWorkerID,
		},
		{
			name:        "invalid worker ID - negative",
			config:      Config{WorkerID: -1},
			expectError: true,
			errorType:   ErrInvalidWorkerID,
		},
		{
			name:        "invalid process ID - too large",
			config:      Config{ProcessID: 8, ProcessIDBits: 3},
			expectError: true,
			errorType:   ErrInvalidProcessID,
		},
		{
			name:        "invalid bit allocation",
			config:      Config{WorkerIDBits: 10, SequenceBits: 12, ProcessIDBits: 5},
			expectError: true,
			errorType:   ErrInvalidBitAllocation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, err := NewGenerator(tt.config)
			if tt.expectError {
				if !errors.Is(err, tt.errorType) {
					t.Errorf("expected error %v, got %v", tt.errorType, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gen.epoch != DiscordEpoch {
				t.Errorf("expected Discord epoch by default, got %d", gen.epoch)
			}
		})
	}
}

func TestNextID_Uniqueness(t *testing.T) {
	gen, err := NewGenerator(Config{WorkerID: 1})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	ids := make(map[uint64]bool)
	count := 10000
	for range count {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("failed to generate ID: %v", err)
		}
		if id == 0 {
			t.Fatal("generated zero ID")
		}
		if ids[id] {
			t.Errorf("duplicate ID generated: %d", id)
		}
		ids[id] = true
	}
}

func TestNextID_ThreadSafety(t *testing.T) {
	gen, err := NewGenerator(Config{WorkerID: 1})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	idChan := make(chan uint64, 1000)
	goroutines := 10
	idsPerGoroutine := 100

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range idsPerGoroutine {
				id, err := gen.NextID()
				if err != nil {
					t.Errorf("failed to generate ID: %v", err)
					return
				}
				idChan <- id
			}
		})
	}
	wg.Wait()
	close(idChan)

	ids := make(map[uint64]bool)
	for id := range idChan {
		if ids[id] {
			t.Errorf("duplicate ID generated in concurrent test: %d", id)
		}
		ids[id] = true
	}
	if len(ids) != goroutines*idsPerGoroutine {
		t.Errorf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(ids))
	}
}

func TestNextID_MonotonicIncreasing(t *testing.T) {
	gen, err := NewGenerator(Config{WorkerID: 1})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	var lastID uint64
	for i := range 1000 {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("failed to generate ID: %v", err)
		}
		if i > 0 && id <= lastID {
			t.Errorf("IDs not monotonically increasing: %d <= %d", id, lastID)
		}
		lastID = id
	}
}

// A known Discord id decodes to its documented timestamp.
func TestParse_DiscordLayout(t *testing.T) {
	gen, err := NewGenerator(Config{})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	// 175928847299117063 is the example id from the Discord API reference.
	timestamp, processID, workerID, sequence := gen.Parse(175928847299117063)
	if timestamp != 1462015105796 {
		t.Errorf("expected timestamp 1462015105796, got %d", timestamp)
	}
	if workerID != 1 || processID != 0 || sequence != 7 {
		t.Errorf("unexpected components: process=%d worker=%d sequence=%d", processID, workerID, sequence)
	}
	if got := gen.Time(175928847299117063); !got.Equal(time.UnixMilli(1462015105796)) {
		t.Errorf("unexpected time %v", got)
	}
}

func TestGetters(t *testing.T) {
	gen, err := NewGenerator(Config{ProcessID: 2, WorkerID: 7})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	id, err := gen.NextID()
	if err != nil {
		t.Fatalf("failed to generate ID: %v", err)
	}

	if got := gen.GetWorkerID(id); got != 7 {
		t.Errorf("expected worker ID 7, got %d", got)
	}
	if got := gen.GetProcessID(id); got != 2 {
		t.Errorf("expected process ID 2, got %d", got)
	}
	if got := gen.GetSequence(id); got > gen.sequenceMask {
		t.Errorf("sequence out of range: %d", got)
	}

	now := time.Now().UnixMilli()
	if ts := gen.GetTimestamp(id); ts < now-1000 || ts > now+1000 {
		t.Errorf("timestamp out of reasonable range: %d (now: %d)", ts, now)
	}
}

func TestSequenceOverflow(t *testing.T) {
	gen, err := NewGenerator(Config{WorkerID: 1, SequenceBits: 2})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	var clock int64 = DiscordEpoch + 1000
	var mu sync.Mutex
	gen.now = func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		clock++
		mu.Unlock()
	}()

	// 4 ids fill the 2-bit sequence; the 5th waits for the clock to tick.
	var last uint64
	for i := range 5 {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("failed to generate ID: %v", err)
		}
		if i > 0 && id <= last {
			t.Errorf("IDs not increasing across overflow: %d <= %d", id, last)
		}
		last = id
	}
	if ts := gen.GetTimestamp(last); ts != DiscordEpoch+1001 {
		t.Errorf("expected overflow to move to the next millisecond, got %d", ts)
	}
}

func TestClockMovedBackwards(t *testing.T) {
	gen, err := NewGenerator(Config{WorkerID: 1})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	clock := DiscordEpoch + 5000
	gen.now = func() int64 { return clock }

	if _, err := gen.NextID(); err != nil {
		t.Fatalf("failed to generate initial ID: %v", err)
	}

	clock -= 10
	if _, err := gen.NextID(); !errors.Is(err, ErrClockMovedBackwards) {
		t.Errorf("expected ErrClockMovedBackwards, got %v", err)
	}
}

func TestNextID_NeverZero(t *testing.T) {
	gen, err := NewGenerator(Config{})
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	gen.now = func() int64 { return DiscordEpoch }

	for range 3 {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("failed to generate ID: %v", err)
		}
		if id == 0 {
			t.Fatal("generated zero ID at the epoch")
		}
	}
}

func BenchmarkNextID(b *testing.B) {
	gen, err := NewGenerator(Config{WorkerID: 1})
	if err != nil {
		b.Fatalf("failed to create generator: %v", err)
	}
	for b.Loop() {
		if _, err := gen.NextID(); err != nil {
			b.Fatal(err)
		}
	}
}
