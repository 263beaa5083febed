package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/qafila/record"
)

func noopItems(context.Context) ([]WorkItem, error) { return nil, nil }
func noopProcess(context.Context, WorkItem, bool) (record.WriteResult, error) {
	return record.Skipped, nil
}

func TestNewRejectsBadWeights(t *testing.T) {
	cases := []struct {
		name    string
		weights []int
	}{
		{"sum below 100", []int{20, 30}},
		{"sum above 100", []int{60, 60}},
		{"zero weight", []int{0, 100}},
		{"negative weight", []int{-10, 110}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stages := make([]Stage, len(tc.weights))
			for i, w := range tc.weights {
				stages[i] = Stage{Name: "s", Weight: w, Items: noopItems, Process: noopProcess}
			}
			_, err := New("catalog-sync", stages...)
			require.Error(t, err)
		})
	}
}

func TestNewRejectsMissingPieces(t *testing.T) {
	_, err := New("", Stage{Name: "s", Weight: 100, Items: noopItems, Process: noopProcess})
	require.Error(t, err, "empty job type")

	_, err = New("catalog-sync")
	require.Error(t, err, "no stages")

	_, err = New("catalog-sync", Stage{Weight: 100, Items: noopItems, Process: noopProcess})
	require.Error(t, err, "unnamed stage")

	_, err = New("catalog-sync", Stage{Name: "s", Weight: 100})
	require.Error(t, err, "stage without functions")
}

func TestCheckpointRoundTrip(t *testing.T) {
	encoded, err := Checkpoint{StageIndex: 1, ItemsDone: 4}.Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{"stage_index":1,"items_done":4}`, encoded)

	decoded, err := DecodeCheckpoint(encoded)
	require.NoError(t, err)
	require.Equal(t, &Checkpoint{StageIndex: 1, ItemsDone: 4}, decoded)
}

func TestDecodeCheckpointRejectsGarbage(t *testing.T) {
	_, err := DecodeCheckpoint("not json")
	require.Error(t, err)

	_, err = DecodeCheckpoint(`{"stage_index":-1,"items_done":0}`)
	require.Error(t, err)
}
