package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func units(n, size int) []BatchUnit {
	out := make([]BatchUnit, n)
	for i := range out {
		out[i] = BatchUnit{Embed: Embed{Title: "t"}, Size: size, Seq: i}
	}
	return out
}

func TestAssemble_CountCeiling(t *testing.T) {
	dest := Destination{Name: "default", URL: "https://example.invalid/hook"}
	batches, refused := Assemble(dest, units(15, 500), DefaultLimits())
	assert.Empty(t, refused)

	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Units, 10)
	assert.Equal(t, 5000, batches[0].TotalSize)
	assert.Len(t, batches[1].Units, 5)
	assert.Equal(t, dest, batches[1].Destination)
}

func TestAssemble_PayloadCeiling(t *testing.T) {
	batches, _ := Assemble(Destination{Name: "d"}, units(3, 2500), DefaultLimits())

	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Units, 2)
	assert.Len(t, batches[1].Units, 1)
	for _, b := range batches {
		assert.LessOrEqual(t, b.TotalSize, DefaultTotalPayloadLimit)
	}
}

func TestAssemble_PreservesOrder(t *testing.T) {
	batches, _ := Assemble(Destination{Name: "d"}, units(25, 100), DefaultLimits())

	var seqs []int
	for _, b := range batches {
		for _, u := range b.Units {
			seqs = append(seqs, u.Seq)
		}
	}
	require.Len(t, seqs, 25)
	for i, s := range seqs {
		assert.Equal(t, i, s)
	}
}

func TestAssemble_Empty(t *testing.T) {
	batches, refused := Assemble(Destination{Name: "d"}, nil, DefaultLimits())
	assert.Empty(t, batches)
	assert.Empty(t, refused)
}

func TestAssembler_RefusesOversizedUnit(t *testing.T) {
	limits := Limits{TotalPayloadLimit: 1000, MaxUnitsPerBatch: 10}
	a := NewAssembler(Destination{Name: "d"}, limits)

	require.NoError(t, a.Add(BatchUnit{Size: 400, Seq: 0}))
	err := a.Add(BatchUnit{Size: 1148, Seq: 1})
	require.ErrorIs(t, err, ErrUnitTooLarge)
	require.NoError(t, a.Add(BatchUnit{Size: 600, Seq: 2}))

	batches := a.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, 1000, batches[0].TotalSize)
	assert.Equal(t, []int{0, 2}, []int{batches[0].Units[0].Seq, batches[0].Units[1].Seq})
}

func TestAssemble_ReportsRefusedUnits(t *testing.T) {
	in := []BatchUnit{{Size: 300, Seq: 0}, {Size: 1148, Seq: 1}}
	batches, refused := Assemble(Destination{Name: "d"}, in, Limits{TotalPayloadLimit: 1000})

	require.Len(t, batches, 1)
	assert.LessOrEqual(t, batches[0].TotalSize, 1000)
	require.Len(t, refused, 1)
	assert.Equal(t, 1, refused[0].Seq)
}

func TestBatch_Embeds(t *testing.T) {
	b := Batch{Units: []BatchUnit{{Embed: Embed{Title: "a"}}, {Embed: Embed{Title: "b"}}}}
	e := b.Embeds()
	require.Len(t, e, 2)
	assert.Equal(t, "a", e[0].Title)
	assert.Equal(t, "b", e[1].Title)
}
