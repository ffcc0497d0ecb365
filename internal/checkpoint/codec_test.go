package checkpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/batchwalk/pkg/batch"
)

func TestCodecs_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
	}{
		{name: "json", codec: JSONCodec{Items: DecodeAs[entry]()}},
		{name: "proto", codec: ProtoCodec{Items: DecodeAs[entry]()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := sampleState()

			data, err := tt.codec.Encode(want)
			require.NoError(t, err)

			got, err := tt.codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, want.ProcessedCount, got.ProcessedCount)
			assert.Equal(t, want.TraversedCount, got.TraversedCount)
			assert.Equal(t, want.TraversalQueue, got.TraversalQueue)
			assert.Equal(t, want.TraversalBatch, got.TraversalBatch)
			assert.Equal(t, want.ProcessingQueue, got.ProcessingQueue)
			assert.Equal(t, want.ProcessingBatch, got.ProcessingBatch)

			require.Len(t, got.Errors, 1)
			assert.Equal(t, batch.MethodProcess, got.Errors[0].Method)
			assert.Equal(t, entry{Path: "a/broken"}, got.Errors[0].Item)
			assert.EqualError(t, got.Errors[0].Err, "boom")
		})
	}
}

func TestJSONCodec_GenericItemsWithoutDecoder(t *testing.T) {
	codec := JSONCodec{}
	data, err := codec.Encode(batch.State{ProcessingQueue: []batch.Item{entry{Path: "x"}, "plain"}})
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)

	require.Len(t, got.ProcessingQueue, 2)
	assert.Equal(t, map[string]any{"path": "x", "dir": false}, got.ProcessingQueue[0])
	assert.Equal(t, "plain", got.ProcessingQueue[1])
}

func TestCodecs_ItemDecoderError(t *testing.T) {
	failing := func(any) (batch.Item, error) { return nil, errors.New("unknown item") }

	for _, codec := range []Codec{JSONCodec{Items: failing}, ProtoCodec{Items: failing}} {
		data, err := codec.Encode(batch.State{TraversalQueue: []batch.Node{{Item: "root"}}})
		require.NoError(t, err)

		_, err = codec.Decode(data)
		assert.ErrorContains(t, err, "unknown item")
	}
}

func TestCodecs_DecodeGarbage(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte("{"))
	assert.Error(t, err)

	_, err = ProtoCodec{}.Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
