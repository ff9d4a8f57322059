package metrics

import (
	"time"

	"github.com/cuemby/drover/pkg/types"
)

// GroupSource exposes read-only group snapshots
type GroupSource interface {
	Groups() []types.GroupStatus
}

// SlotSource exposes allocator occupancy
type SlotSource interface {
	Stats() types.SlotStats
}

// Collector periodically turns snapshots into gauges
type Collector struct {
	groups   GroupSource
	slots    SlotSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(groups GroupSource, slots SlotSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		groups:   groups,
		slots:    slots,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	if c.groups != nil {
		c.collectGroupMetrics(c.groups.Groups())
	}
	if c.slots != nil {
		c.collectSlotMetrics(c.slots.Stats())
	}
}

func (c *Collector) collectGroupMetrics(groups []types.GroupStatus) {
	byState := map[types.GroupState]int{
		types.GroupScaling:  0,
		types.GroupStable:   0,
		types.GroupDraining: 0,
	}
	byPhase := map[types.Phase]int{
		types.PhasePending:     0,
		types.PhaseRunning:     0,
		types.PhaseReady:       0,
		types.PhaseTerminating: 0,
		types.PhaseFailed:      0,
	}
	degraded := 0

	for _, g := range groups {
		byState[g.State]++
		if g.Degraded != "" {
			degraded++
		}
		for _, w := range g.Workers {
			byPhase[w.Phase]++
		}
	}

	for state, n := range byState {
		GroupsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
	for phase, n := range byPhase {
		WorkersTotal.WithLabelValues(string(phase)).Set(float64(n))
	}
	DegradedGroups.Set(float64(degraded))
}

func (c *Collector) collectSlotMetrics(s types.SlotStats) {
	SlotsTotal.Set(float64(s.Total))
	SlotsUsed.Set(float64(s.Used))
	TasksPending.Set(float64(s.Pending))
}
