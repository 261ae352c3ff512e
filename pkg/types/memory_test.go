package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemos/pkg/types"
)

func TestParseSector(t *testing.T) {
	for _, s := range types.Sectors {
		got, err := types.ParseSector(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := types.ParseSector("spiritual")
	assert.Error(t, err)
	_, err = types.ParseSector("")
	assert.Error(t, err)
}

func TestMemory_PrimarySectorDefaultsAtRead(t *testing.T) {
	m := types.Memory{}
	assert.Equal(t, types.SectorSemantic, m.PrimarySector())

	m.Sector = "bogus"
	assert.Equal(t, types.DefaultSector, m.PrimarySector())

	m.Sector = types.SectorEmotional
	assert.Equal(t, types.SectorEmotional, m.PrimarySector())
}

func TestMemory_IsPending(t *testing.T) {
	cases := map[string]bool{
		types.SourceVectorFallback: true,
		types.SourceImportPending:  true,
		types.SourceConversation:   false,
		types.SourceImport:         false,
		"":                         false,
	}
	for source, want := range cases {
		m := types.Memory{Source: source}
		assert.Equal(t, want, m.IsPending(), "source %q", source)
	}
}

func TestMemory_Pinned(t *testing.T) {
	m := types.Memory{}
	assert.False(t, m.Pinned())

	m.Metadata = map[string]interface{}{"pinned": "yes"}
	assert.False(t, m.Pinned(), "non-bool pin flag is ignored")

	m.Metadata["pinned"] = true
	assert.True(t, m.Pinned())
}

func TestMemory_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	orig := &types.Memory{
		ID:               "m1",
		SecondarySectors: []types.Sector{types.SectorEpisodic},
		Metadata:         map[string]interface{}{"k": "v"},
		LastAccessedAt:   &now,
	}

	c := orig.Clone()
	c.Metadata["k"] = "changed"
	c.SecondarySectors[0] = types.SectorReflective
	*c.LastAccessedAt = now.Add(time.Hour)

	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, types.SectorEpisodic, orig.SecondarySectors[0])
	assert.True(t, orig.LastAccessedAt.Equal(now))
}

func TestClampSalience(t *testing.T) {
	assert.Equal(t, 0.0, types.ClampSalience(-0.2))
	assert.Equal(t, 1.0, types.ClampSalience(1.7))
	assert.Equal(t, 0.4, types.ClampSalience(0.4))
}

func TestSectorScores_Primary(t *testing.T) {
	scores := types.SectorScores{
		types.SectorEpisodic:   0.2,
		types.SectorProcedural: 0.9,
		types.SectorEmotional:  0.4,
	}
	sector, conf := scores.Primary()
	assert.Equal(t, types.SectorProcedural, sector)
	assert.Equal(t, 0.9, conf)

	assert.Equal(t, []types.Sector{types.SectorEmotional}, scores.Secondary(0.3))
}

func TestSectorScores_PrimaryTieUsesCanonicalOrder(t *testing.T) {
	scores := types.SectorScores{
		types.SectorReflective: 0.5,
		types.SectorEpisodic:   0.5,
	}
	sector, _ := scores.Primary()
	assert.Equal(t, types.SectorEpisodic, sector)
}

func TestSectorScores_EmptyFallsBackToDefault(t *testing.T) {
	sector, conf := types.SectorScores{}.Primary()
	assert.Equal(t, types.DefaultSector, sector)
	assert.Equal(t, 0.0, conf)
}
