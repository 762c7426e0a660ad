package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// DiscordEpoch is 2015-01-01T00:00:00Z in milliseconds. Release ids share
	// the platform's layout so they sort and decode like message ids.
	DiscordEpoch int64 = 1420070400000

	DefaultWorkerIDBits  uint8 = 5
	DefaultProcessIDBits uint8 = 5
	DefaultSequenceBits  uint8 = 12
)

var (
	ErrInvalidWorkerID      = errors.New("worker ID exceeds maximum value")
	ErrInvalidProcessID     = errors.New("process ID exceeds maximum value")
	ErrClockMovedBackwards  = errors.New("clock moved backwards")
	ErrInvalidBitAllocation = errors.New("invalid bit allocation: total bits must not exceed 22")
)

// Generator 生成 64 位无符号 Snowflake ID
//
// 布局与平台一致 (高位到低位)：42 位毫秒时间戳 | worker ID | 进程 ID | 序列号
type Generator struct {
	mu sync.Mutex

	epoch         int64
	processID     uint64
	workerID      uint64
	workerIDBits  uint8
	sequenceBits  uint8
	processIDBits uint8

	processIDShift uint8
	workerIDShift  uint8
	timestampShift uint8
	sequenceMask   uint64
	workerIDMask   uint64
	processIDMask  uint64

	sequence      uint64
	lastTimestamp int64

	now func() int64
}

type Config struct {
	Epoch         int64
	ProcessID     int64
	WorkerID      int64
	WorkerIDBits  uint8
	SequenceBits  uint8
	ProcessIDBits uint8
}

func NewGenerator(config Config) (*Generator, error) {
	if config.WorkerIDBits == 0 {
		config.WorkerIDBits = DefaultWorkerIDBits
	}
	if config.SequenceBits == 0 {
		config.SequenceBits = DefaultSequenceBits
	}
	if config.ProcessIDBits == 0 {
		config.ProcessIDBits = DefaultProcessIDBits
	}
	if config.Epoch == 0 {
		config.Epoch = DiscordEpoch
	}

	// 42 timestamp bits + 22 = 64
	totalBits := config.ProcessIDBits + config.WorkerIDBits + config.SequenceBits
	if totalBits > 22 {
		return nil, ErrInvalidBitAllocation
	}

	g := &Generator{
		epoch:         config.Epoch,
		workerIDBits:  config.WorkerIDBits,
		sequenceBits:  config.SequenceBits,
		processIDBits: config.ProcessIDBits,
		now:           func() int64 { return time.Now().UnixMilli() },
	}

	g.processIDShift = g.sequenceBits
	g.workerIDShift = g.sequenceBits + g.processIDBits
	g.timestampShift = g.sequenceBits + g.workerIDBits + g.processIDBits

	g.sequenceMask = 1<<g.sequenceBits - 1
	g.workerIDMask = 1<<g.workerIDBits - 1
	g.processIDMask = 1<<g.processIDBits - 1

	if config.WorkerID < 0 || uint64(config.WorkerID) > g.workerIDMask {
		return nil, ErrInvalidWorkerID
	}
	if config.ProcessID < 0 || uint64(config.ProcessID) > g.processIDMask {
		return nil, ErrInvalidProcessID
	}
	g.workerID = uint64(config.WorkerID)
	g.processID = uint64(config.ProcessID)

	return g, nil
}

// NextID returns the next id. It never returns 0.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now()
	if timestamp < g.lastTimestamp {
		return 0, ErrClockMovedBackwards
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & g.sequenceMask
		// Sequence overflow - wait for next millisecond
		if g.sequence == 0 {
			timestamp = g.waitNextMillis(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := uint64(timestamp-g.epoch)<<g.timestampShift |
		g.workerID<<g.workerIDShift |
		g.processID<<g.processIDShift |
		g.sequence
	if id == 0 {
		// Only possible in the first millisecond of the epoch with ids all zero.
		g.sequence = 1
		id = 1
	}
	return id, nil
}

func (g *Generator) waitNextMillis(lastTimestamp int64) int64 {
	timestamp := g.now()
	for timestamp <= lastTimestamp {
		time.Sleep(100 * time.Microsecond)
		timestamp = g.now()
	}
	return timestamp
}

// Parse extracts the components of id; timestamp is in Unix milliseconds.
func (g *Generator) Parse(id uint64) (timestamp int64, processID uint64, workerID uint64, sequence uint64) {
	sequence = id & g.sequenceMask
	workerID = (id >> g.workerIDShift) & g.workerIDMask
	processID = (id >> g.processIDShift) & g.processIDMask
	timestamp = int64(id>>g.timestampShift) + g.epoch
	return
}

func (g *Generator) GetTimestamp(id uint64) int64 {
	return int64(id>>g.timestampShift) + g.epoch
}

// Time converts the timestamp part of id to a time.Time.
func (g *Generator) Time(id uint64) time.Time {
	return time.UnixMilli(g.GetTimestamp(id)).UTC()
}

func (g *Generator) GetWorkerID(id uint64) uint64 {
	return (id >> g.workerIDShift) & g.workerIDMask
}

func (g *Generator) GetProcessID(id uint64) uint64 {
	return (id >> g.processIDShift) & g.processIDMask
}

func (g *Generator) GetSequence(id uint64) uint64 {
	return id & g.sequenceMask
}
