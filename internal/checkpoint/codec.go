package checkpoint

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/batchwalk/pkg/batch"
)

// Codec converts executor state to and from its stored form.
type Codec interface {
	Encode(state batch.State) ([]byte, error)
	Decode(data []byte) (batch.State, error)
}

// ItemDecoder maps an item in its generic JSON form (map[string]any, string,
// float64, ...) back to the concrete type a Provider expects.
type ItemDecoder func(raw any) (batch.Item, error)

// DecodeAs returns an ItemDecoder that re-decodes the generic value into T.
func DecodeAs[T any]() ItemDecoder {
	return func(raw any) (batch.Item, error) {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

var (
	_ Codec = JSONCodec{}
	_ Codec = ProtoCodec{}
)

// JSONCodec stores state as JSON.
type JSONCodec struct {
	// Items is optional. Without it items come back in their generic form.
	Items ItemDecoder
}

func (c JSONCodec) Encode(state batch.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

func (c JSONCodec) Decode(data []byte) (batch.State, error) {
	var state batch.State
	if err := json.Unmarshal(data, &state); err != nil {
		return batch.State{}, fmt.Errorf("failed to decode state: %w", err)
	}
	if err := decodeItems(&state, c.Items); err != nil {
		return batch.State{}, err
	}
	return state, nil
}

// ProtoCodec stores state as a binary google.protobuf.Struct. The layout of
// the struct mirrors the JSON form, so both codecs agree on field names.
type ProtoCodec struct {
	Items ItemDecoder
}

func (c ProtoCodec) Encode(state batch.State) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to convert state to struct: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state struct: %w", err)
	}
	return data, nil
}

func (c ProtoCodec) Decode(data []byte) (batch.State, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return batch.State{}, fmt.Errorf("failed to unmarshal state struct: %w", err)
	}

	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return batch.State{}, fmt.Errorf("failed to decode state: %w", err)
	}
	var state batch.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return batch.State{}, fmt.Errorf("failed to decode state: %w", err)
	}
	if err := decodeItems(&state, c.Items); err != nil {
		return batch.State{}, err
	}
	return state, nil
}

func decodeItems(state *batch.State, dec ItemDecoder) error {
	if dec == nil {
		return nil
	}

	conv := func(raw batch.Item) (batch.Item, error) {
		if raw == nil {
			return nil, nil
		}
		item, err := dec(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode item: %w", err)
		}
		return item, nil
	}

	for _, nodes := range [][]batch.Node{state.TraversalQueue, state.TraversalBatch} {
		for i := range nodes {
			item, err := conv(nodes[i].Item)
			if err != nil {
				return err
			}
			nodes[i].Item = item
		}
	}
	for _, items := range [][]batch.Item{state.ProcessingQueue, state.ProcessingBatch} {
		for i := range items {
			item, err := conv(items[i])
			if err != nil {
				return err
			}
			items[i] = item
		}
	}
	for i := range state.Errors {
		item, err := conv(state.Errors[i].Item)
		if err != nil {
			return err
		}
		state.Errors[i].Item = item
	}
	return nil
}
