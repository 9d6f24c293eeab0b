package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// Supported safetensors dtypes.
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

// maxHeaderSize guards against reading a garbage length prefix.
const maxHeaderSize = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors checkpoint. Only the header is read eagerly.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of a safetensors file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	file := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &file.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets %v", name, th.DataOffsets)
		}
		file.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return file, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadTensorF32 reads a tensor and widens it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, err := dtypeSize(info.DType)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if info.End-info.Start != int64(n*width) {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %d bytes for %d %s values", name, info.End-info.Start, n, info.DType)
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	raw := make([]byte, info.End-info.Start)
	if _, err := file.ReadAt(raw, f.DataStart+info.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}

	out := make([]float32, n)
	switch info.DType {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = device.Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case DTypeBF16:
		for i := range out {
			out[i] = device.BFloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, info, nil
}

// Tensor is a named float32 tensor to be written.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// WriteFile writes tensors to path as a safetensors file in the given dtype.
func WriteFile(path string, tensors []Tensor, dtype string, metadata map[string]string) error {
	width, err := dtypeSize(dtype)
	if err != nil {
		return err
	}

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, t := range tensors {
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		size := int64(n * width)
		header[t.Name] = tensorHeader{DType: dtype, Shape: t.Shape, DataOffsets: []int64{offset, offset + size}}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Pad the header with spaces so tensor data starts 8-byte aligned.
	for (8+len(headerBytes))%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = f.Close()
		return err
	}

	buf := make([]byte, 4)
	for _, t := range tensors {
		for _, v := range t.Data {
			switch dtype {
			case DTypeF32:
				binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			case DTypeF16:
				binary.LittleEndian.PutUint16(buf, device.Float32ToFloat16(v))
			case DTypeBF16:
				binary.LittleEndian.PutUint16(buf, device.Float32ToBFloat16(v))
			}
			if _, err := w.Write(buf[:width]); err != nil {
				_ = f.Close()
				return err
			}
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func isFloatDType(dtype string) bool {
	_, err := dtypeSize(dtype)
	return err == nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
