package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nexus-edge/alink-device/internal/domain"
)

// registerCodec describes how a numeric data type sits in big-endian registers.
type registerCodec struct {
	size   int
	lo, hi float64
	decode func(b []byte) interface{}
	encode func(raw float64) []byte
}

var codecs = map[domain.DataType]registerCodec{
	domain.DataTypeInt16: {
		size: 2, lo: math.MinInt16, hi: math.MaxInt16,
		decode: func(b []byte) interface{} { return int16(binary.BigEndian.Uint16(b)) },
		encode: func(raw float64) []byte { return binary.BigEndian.AppendUint16(nil, uint16(int16(raw))) },
	},
	domain.DataTypeUInt16: {
		size: 2, lo: 0, hi: math.MaxUint16,
		decode: func(b []byte) interface{} { return binary.BigEndian.Uint16(b) },
		encode: func(raw float64) []byte { return binary.BigEndian.AppendUint16(nil, uint16(raw)) },
	},
	domain.DataTypeInt32: {
		size: 4, lo: math.MinInt32, hi: math.MaxInt32,
		decode: func(b []byte) interface{} { return int32(binary.BigEndian.Uint32(b)) },
		encode: func(raw float64) []byte { return binary.BigEndian.AppendUint32(nil, uint32(int32(raw))) },
	},
	domain.DataTypeUInt32: {
		size: 4, lo: 0, hi: math.MaxUint32,
		decode: func(b []byte) interface{} { return binary.BigEndian.Uint32(b) },
		encode: func(raw float64) []byte { return binary.BigEndian.AppendUint32(nil, uint32(raw)) },
	},
	domain.DataTypeFloat32: {
		size: 4, lo: -math.MaxFloat32, hi: math.MaxFloat32,
		decode: func(b []byte) interface{} { return math.Float32frombits(binary.BigEndian.Uint32(b)) },
		encode: func(raw float64) []byte { return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(raw))) },
	},
}

// parseValue decodes what a read returned for tag.
func parseValue(data []byte, tag *domain.Tag) (interface{}, error) {
	if len(data) == 0 {
		return nil, domain.ErrInvalidDataLength
	}

	// Coils and discrete inputs arrive bit-packed, first bit in the LSB.
	if tag.RegisterType == domain.RegisterTypeCoil || tag.RegisterType == domain.RegisterTypeDiscreteInput {
		var n uint8
		if tag.BitPosition != nil {
			n = *tag.BitPosition
		}
		if int(n/8) >= len(data) {
			return nil, domain.ErrInvalidDataLength
		}
		return data[n/8]&(1<<(n%8)) != 0, nil
	}

	size := int(tag.RegisterCount) * 2
	if size == 0 || len(data) < size {
		return nil, domain.ErrInvalidDataLength
	}
	word := reorderBytes(data[:size], tag.ByteOrder)

	if tag.DataType == domain.DataTypeBool {
		v := binary.BigEndian.Uint16(word)
		if tag.BitPosition != nil {
			return v&(1<<*tag.BitPosition) != 0, nil
		}
		return v != 0, nil
	}

	codec, ok := codecs[tag.DataType]
	if !ok {
		return nil, domain.ErrInvalidDataType
	}
	if len(word) < codec.size {
		return nil, domain.ErrInvalidDataLength
	}
	return codec.decode(word[:codec.size]), nil
}

// encodeValue turns a setpoint into register bytes: scaling is removed, the
// result is range-checked and laid out in the tag's byte order.
func encodeValue(value interface{}, tag *domain.Tag) ([]byte, error) {
	num, err := toFloat(value)
	if err != nil {
		return nil, err
	}

	scale := tag.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	raw := (num - tag.Offset) / scale

	if tag.DataType == domain.DataTypeBool {
		if raw != 0 {
			return []byte{0x00, 0x01}, nil
		}
		return []byte{0x00, 0x00}, nil
	}

	codec, ok := codecs[tag.DataType]
	if !ok {
		return nil, domain.ErrInvalidDataType
	}
	if tag.DataType != domain.DataTypeFloat32 {
		raw = math.Round(raw)
	}
	if math.IsNaN(raw) || raw < codec.lo || raw > codec.hi {
		return nil, fmt.Errorf("%w: %v out of range for %s", domain.ErrInvalidPayload, num, tag.ID)
	}

	// Every supported layout is its own inverse.
	return reorderBytes(codec.encode(raw), tag.ByteOrder), nil
}

// reorderBytes converts between a wire layout and ABCD.
func reorderBytes(data []byte, order domain.ByteOrder) []byte {
	out := append([]byte(nil), data...)

	switch order {
	case domain.ByteOrderLittleEndian:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case domain.ByteOrderMidBigEndian:
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	case domain.ByteOrderMidLitEndian:
		for i := 0; i+3 < len(out); i += 4 {
			out[i], out[i+1], out[i+2], out[i+3] = out[i+2], out[i+3], out[i], out[i+1]
		}
	}
	return out
}

// applyScaling maps a decoded number to engineering units. Booleans pass through.
func applyScaling(value interface{}, tag *domain.Tag) interface{} {
	if tag.ScaleFactor == 1 && tag.Offset == 0 {
		return value
	}
	f, ok := asFloat(value)
	if !ok {
		return value
	}
	return f*tag.ScaleFactor + tag.Offset
}

func setBit(word uint16, bit uint8, on bool) uint16 {
	if on {
		return word | 1<<bit
	}
	return word &^ (1 << bit)
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int16:
		return float64(v), true
	case uint16:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// toFloat accepts the shapes a decoded JSON setpoint can take.
func toFloat(value interface{}) (float64, error) {
	if b, ok := value.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	if f, ok := asFloat(value); ok {
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T", domain.ErrInvalidDataType, value)
}

func toBool(value interface{}) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	f, err := toFloat(value)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}
