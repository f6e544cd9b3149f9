package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint message.
//
//	State    { 1 epoch, 2 repeated Tensor, 3 Training, 4 Metadata }
//	Tensor   { 1 name, 2 packed shape, 3 packed double data }
//	Training { 1 learning_rate, 2 best_loss, 3 not_improved }
//	Metadata { 1 framework, 2 version, 3 created_at_unix_nano, 4 repeated tags }
const (
	fieldEpoch    protowire.Number = 1
	fieldTensor   protowire.Number = 2
	fieldTraining protowire.Number = 3
	fieldMetadata protowire.Number = 4
)

var errTruncated = errors.New("checkpoint: truncated message")

func marshalBinary(st *State) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(st.Epoch))
	for _, t := range st.Params {
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t))
	}
	b = protowire.AppendTag(b, fieldTraining, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTraining(st.Training))
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(st.Metadata))
	return b
}

func marshalTensor(t Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func marshalTraining(tr Training) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(tr.LearningRate))
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(tr.BestLoss))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tr.NotImproved))
	return b
}

func marshalMetadata(md Metadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, md.Framework)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, md.Version)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(md.CreatedAt.UnixNano()))
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// walk calls fn for every field; fn returns how many value bytes it consumed.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func unmarshalBinary(b []byte, st *State) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldEpoch && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			st.Epoch = int(v)
			return n, nil
		case num == fieldTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return 0, err
			}
			st.Params = append(st.Params, t)
			return n, nil
		case num == fieldTraining && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, unmarshalTraining(v, &st.Training)
		case num == fieldMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, unmarshalMetadata(v, &st.Metadata)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func unmarshalTensor(b []byte) (Tensor, error) {
	var t Tensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			t.Name = string(v)
		case 2:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				t.Shape = append(t.Shape, int(d))
				v = v[m:]
			}
		case 3:
			if len(v)%8 != 0 {
				return 0, errTruncated
			}
			t.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return m, nil
				}
				t.Data = append(t.Data, math.Float64frombits(bits))
				v = v[m:]
			}
		}
		return n, nil
	})
	if err != nil {
		return Tensor{}, fmt.Errorf("tensor: %w", err)
	}
	return t, nil
}

func unmarshalTraining(b []byte, tr *Training) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			tr.LearningRate = math.Float64frombits(v)
			return n, nil
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			tr.BestLoss = math.Float64frombits(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			tr.NotImproved = int(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func unmarshalMetadata(b []byte, md *Metadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			md.Framework = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			md.Version = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			md.CreatedAt = time.Unix(0, int64(v)).UTC()
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			md.Tags = append(md.Tags, v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}
