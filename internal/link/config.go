package link

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/danmuck/fraglink/internal/protocol/fragment"
)

// Config defines link reliability defaults.
type Config struct {
	// Name labels logs and metrics for this link instance.
	Name string

	FragmentSize  int
	MaxFragments  int
	RetryBudget   int
	AckTimeout    time.Duration
	PipelineDepth int

	// ReassemblyTimeout bounds how long partial messages and completion
	// tombstones are kept by the default reassembler.
	ReassemblyTimeout time.Duration
	// IDQuarantine is how long a settled msg_id rests before reuse. With 255
	// usable ids it caps sustained throughput at 255/IDQuarantine messages
	// per second (85/s at 3s); beyond that WriteMessage blocks until an id
	// frees up. See MaxMessageRate.
	IDQuarantine time.Duration

	// OutputQueue is the read-side buffer depth.
	OutputQueue int
}

// DefaultConfig returns the serial-link defaults: 160-byte fragments, 64 per
// message, 10 attempts of 100ms each, 3 fragments in flight.
func DefaultConfig() Config {
	return Config{
		Name:              "link",
		FragmentSize:      160,
		MaxFragments:      64,
		RetryBudget:       10,
		AckTimeout:        100 * time.Millisecond,
		PipelineDepth:     3,
		ReassemblyTimeout: 2 * time.Second,
		IDQuarantine:      3 * time.Second,
		OutputQueue:       8,
	}
}

// MaxMessageBytes is the largest payload the splitter accepts.
func (c Config) MaxMessageBytes() int {
	return c.FragmentSize * c.MaxFragments
}

// MaxMessageRate is the sustained messages per second the id quarantine
// allows; zero quarantine is unbounded.
func (c Config) MaxMessageRate() float64 {
	if c.IDQuarantine <= 0 {
		return math.Inf(1)
	}
	return float64(idSpace-1) / c.IDQuarantine.Seconds()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if c.FragmentSize < 1 {
		return fmt.Errorf("%w: fragment_size=%d", ErrInvalidConfig, c.FragmentSize)
	}
	if c.MaxFragments < 1 || c.MaxFragments > fragment.MaxSeq+1 {
		return fmt.Errorf("%w: max_fragments=%d must be 1..%d", ErrInvalidConfig, c.MaxFragments, fragment.MaxSeq+1)
	}
	if c.RetryBudget < 1 {
		return fmt.Errorf("%w: retry_budget=%d", ErrInvalidConfig, c.RetryBudget)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack_timeout=%v", ErrInvalidConfig, c.AckTimeout)
	}
	if c.PipelineDepth < 1 {
		return fmt.Errorf("%w: pipeline_depth=%d", ErrInvalidConfig, c.PipelineDepth)
	}
	if c.ReassemblyTimeout <= 0 {
		return fmt.Errorf("%w: reassembly_timeout=%v", ErrInvalidConfig, c.ReassemblyTimeout)
	}
	if c.IDQuarantine < c.ReassemblyTimeout {
		return fmt.Errorf("%w: id_quarantine=%v shorter than reassembly_timeout=%v", ErrInvalidConfig, c.IDQuarantine, c.ReassemblyTimeout)
	}
	if c.OutputQueue < 0 {
		return fmt.Errorf("%w: output_queue=%d", ErrInvalidConfig, c.OutputQueue)
	}
	return nil
}
