package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecSummaryWriteGrowsSlotsForLaterInstances(t *testing.T) {
	s := NewExecSummary()
	s.Lock()
	s.WriteInstanceStats(3, 0, InstanceExecStats{Cardinality: 1})
	s.Unlock()

	s.Lock()
	s.WriteInstanceStats(3, 2, InstanceExecStats{Cardinality: 9})
	s.Unlock()

	rows := s.Rows()
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Slots, 3)
	assert.Equal(t, int64(1), rows[0].Slots[0].Cardinality)
	assert.Equal(t, int64(9), rows[0].Slots[2].Cardinality)
}

func TestExecSummaryRowsAreIndependentOfInternalState(t *testing.T) {
	s := NewExecSummary()
	s.Lock()
	s.WriteInstanceStats(1, 0, InstanceExecStats{Cardinality: 5})
	s.Unlock()

	rows := s.Rows()
	rows[0].Slots[0].Cardinality = 999

	fresh := s.Rows()
	assert.Equal(t, int64(5), fresh[0].Slots[0].Cardinality)
}
