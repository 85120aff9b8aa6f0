package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID_Parent(t *testing.T) {
	id, err := ParseID("kg01HV2M3X9ZQ4R8T6W0Y5A7B9C")
	require.NoError(t, err)
	assert.Equal(t, "kg01HV2M3X9ZQ4R8T6W0Y5A7B9C", id.Parent)
	assert.False(t, id.IsSubgraph())
	assert.False(t, id.IsShared)
}

func TestParseID_Subgraph(t *testing.T) {
	id, err := ParseID("kg01HV2M3X_staging")
	require.NoError(t, err)
	assert.Equal(t, "kg01HV2M3X", id.Parent)
	assert.Equal(t, "staging", id.SubgraphSuffix)
	assert.True(t, id.IsSubgraph())
}

func TestParseID_SharedRepository(t *testing.T) {
	for _, name := range []string{"sec", "industry", "economic", "market", "esg", "regulatory"} {
		id, err := ParseID(name)
		require.NoError(t, err)
		assert.True(t, id.IsShared, name)
		assert.Equal(t, name, id.Parent)
	}
}

func TestParseID_Invalid(t *testing.T) {
	for _, raw := range []string{"", "graph-1", "kg123_", "mydata"} {
		_, err := ParseID(raw)
		assert.Error(t, err, raw)
	}
}
