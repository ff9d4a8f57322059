package metrics

import (
	"testing"

	"github.com/cuemby/drover/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticGroups []types.GroupStatus

func (s staticGroups) Groups() []types.GroupStatus { return s }

type staticSlots types.SlotStats

func (s staticSlots) Stats() types.SlotStats { return types.SlotStats(s) }

func TestCollectorCollect(t *testing.T) {
	groups := staticGroups{
		{
			JobID: "a",
			State: types.GroupStable,
			Workers: []types.WorkerStatus{
				{ID: "a-1", Phase: types.PhaseReady},
				{ID: "a-2", Phase: types.PhaseReady},
			},
		},
		{
			JobID:    "b",
			State:    types.GroupScaling,
			Degraded: "Forbidden: exceeded quota",
			Workers:  []types.WorkerStatus{{ID: "b-1", Phase: types.PhasePending}},
		},
	}
	slots := staticSlots{Workers: 2, Total: 8, Used: 3, Pending: 1}

	c := NewCollector(groups, slots, 0)
	c.Collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(GroupsTotal.WithLabelValues("stable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(GroupsTotal.WithLabelValues("scaling")))
	assert.Equal(t, 0.0, testutil.ToFloat64(GroupsTotal.WithLabelValues("draining")))
	assert.Equal(t, 2.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DegradedGroups))
	assert.Equal(t, 8.0, testutil.ToFloat64(SlotsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(SlotsUsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(TasksPending))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(staticGroups{}, nil, 0)
	c.Start()
	c.Stop()
}
