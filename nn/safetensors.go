package nn

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// TensorWithShape is one named entry of a safetensors file.
type TensorWithShape struct {
	Values []float32
	Shape  []int
	DType  string
}

// tensorInfo describes a tensor's entry in the header
type tensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset [2]int `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// LoadSafetensors reads a safetensors file and returns tensors by name along
// with the free-form string metadata.
func LoadSafetensors(path string) (map[string]TensorWithShape, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read snapshot")
	}
	return ParseSafetensors(data)
}

// ParseSafetensors decodes safetensors bytes. F32, F16 and BF16 entries are
// widened to float32.
func ParseSafetensors(data []byte) (map[string]TensorWithShape, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, nil, errors.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse header")
	}

	allData := data[8+headerSize:]
	tensors := make(map[string]TensorWithShape, len(rawHeader))
	var metadata map[string]string

	for name, raw := range rawHeader {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, errors.Wrap(err, "failed to parse metadata")
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %s: bad header entry", name)
		}

		for _, d := range info.Shape {
			if d < 0 {
				return nil, nil, errors.Errorf("tensor %s: negative dimension in shape %v", name, info.Shape)
			}
		}
		n := numElements(info.Shape)
		width := getBytesPerElement(info.DType)
		start, end := info.Offset[0], info.Offset[1]
		if width == 0 {
			return nil, nil, errors.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		if start < 0 || end < start || end > len(allData) || end-start != n*width {
			return nil, nil, errors.Errorf("tensor %s: data out of bounds", name)
		}

		buf := allData[start:end]
		values := make([]float32, n)
		for i := range values {
			switch info.DType {
			case "F32":
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			case "F16":
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			case "BF16":
				// bfloat16 is the top 16 bits of a float32
				values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
			}
		}
		tensors[name] = TensorWithShape{Values: values, Shape: info.Shape, DType: info.DType}
	}

	return tensors, metadata, nil
}

// SaveSafetensors writes tensors and metadata to a safetensors file.
func SaveSafetensors(path string, tensors map[string]TensorWithShape, metadata map[string]string) error {
	data, err := SerializeSafetensors(tensors, metadata)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "failed to write snapshot")
}

// SerializeSafetensors encodes tensors as F32 in name order.
func SerializeSafetensors(tensors map[string]TensorWithShape, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		if numElements(t.Shape) != len(t.Values) {
			return nil, errors.Errorf("tensor %s: %d values do not fit shape %v", name, len(t.Values), t.Shape)
		}
		size := len(t.Values) * 4
		header[name] = tensorInfo{DType: "F32", Shape: t.Shape, Offset: [2]int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}

	// [header_size (8 bytes)] [header JSON] [tensor data]
	result := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(result[0:8], uint64(len(headerJSON)))
	copy(result[8:], headerJSON)

	dst := result[8+len(headerJSON):]
	for _, name := range names {
		for _, v := range tensors[name].Values {
			binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
			dst = dst[4:]
		}
	}
	return result, nil
}

// getBytesPerElement returns bytes per element for a readable dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// float16ToFloat32 converts an IEEE half to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32(f16>>15) & 0x1
	exponent := int32(f16>>10) & 0x1F
	mantissa := uint32(f16) & 0x3FF

	switch {
	case exponent == 0 && mantissa == 0:
		return math.Float32frombits(sign << 31)
	case exponent == 0:
		// Subnormal: renormalize the mantissa
		exponent = 1
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
	case exponent == 0x1F:
		// Inf or NaN
		return math.Float32frombits(sign<<31 | 0xFF<<23 | mantissa<<13)
	}
	return math.Float32frombits(sign<<31 | uint32(exponent+127-15)<<23 | mantissa<<13)
}

// Snapshot collects params into a name-keyed tensor map.
func Snapshot(params []*Param) map[string]TensorWithShape {
	out := make(map[string]TensorWithShape, len(params))
	for _, p := range params {
		values := make([]float32, len(p.Value.Data))
		copy(values, p.Value.Data)
		out[p.Name] = TensorWithShape{Values: values, Shape: append([]int(nil), p.Value.Shape...), DType: "F32"}
	}
	return out
}

// SaveSnapshot writes params to a safetensors file.
func SaveSnapshot(path string, params []*Param, metadata map[string]string) error {
	return SaveSafetensors(path, Snapshot(params), metadata)
}

// LoadSnapshot reads a safetensors file into params. Names and shapes must
// match exactly; any missing, extra or reshaped tensor fails with
// ErrParameterLoadMismatch and leaves params untouched.
func LoadSnapshot(path string, params []*Param) (map[string]string, error) {
	tensors, metadata, err := LoadSafetensors(path)
	if err != nil {
		return nil, err
	}
	return metadata, AssignSnapshot(tensors, params)
}

// AssignSnapshot copies tensors into params after checking every name and shape.
func AssignSnapshot(tensors map[string]TensorWithShape, params []*Param) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return errors.Wrapf(ErrParameterLoadMismatch, "missing tensor %s", p.Name)
		}
		if !SameShape(t.Shape, p.Value.Shape) {
			return errors.Wrapf(ErrParameterLoadMismatch, "tensor %s: snapshot shape %v, model shape %v", p.Name, t.Shape, p.Value.Shape)
		}
		seen[p.Name] = true
	}
	if len(seen) != len(tensors) {
		extra := make([]string, 0, len(tensors)-len(seen))
		for name := range tensors {
			if !seen[name] {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return errors.Wrapf(ErrParameterLoadMismatch, "unexpected tensors %v", extra)
	}

	for _, p := range params {
		copy(p.Value.Data, tensors[p.Name].Values)
	}
	return nil
}
