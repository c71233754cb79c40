package nn

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	dtypeF32       = "F32"
	metadataKey    = "__metadata__"
	maxHeaderBytes = 64 << 20
)

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Save 以 safetensors 格式写出所有参数
func (s *VarStore) Save(w io.Writer) error {
	header := make(map[string]any, len(s.params)+1)
	header[metadataKey] = map[string]string{"format": "pt"}
	var offset int64
	for _, p := range s.params {
		size := int64(p.Value.Len()) * 4
		header[p.Name] = tensorInfo{
			DType:       dtypeF32,
			Shape:       p.Value.Shape(),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode safetensors header failed")
	}
	// 头部按 8 字节对齐，使用空格填充
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(raw))); err != nil {
		return errors.Wrap(err, "write header size failed")
	}
	if _, err := bw.Write(raw); err != nil {
		return errors.Wrap(err, "write header failed")
	}
	var buf [4]byte
	for _, p := range s.params {
		for _, v := range p.Value.Data() {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := bw.Write(buf[:]); err != nil {
				return errors.Wrapf(err, "write tensor %s failed", p.Name)
			}
		}
	}
	return errors.Wrap(bw.Flush(), "flush safetensors failed")
}

// Load 从 safetensors 数据中按名称读入所有已注册的参数
//
// 缺失、形状或类型不符的参数会合并成一个错误返回，出错时不修改任何参数。
func (s *VarStore) Load(r io.Reader) error {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return errors.Wrap(err, "read header size failed")
	}
	if size == 0 || size > maxHeaderBytes {
		return errors.Errorf("invalid safetensors header size: %d", size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return errors.Wrap(err, "read header failed")
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrap(err, "decode safetensors header failed")
	}
	delete(entries, metadataKey)

	payload, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read tensor data failed")
	}

	type staged struct {
		p    *Parameter
		data []float32
	}
	pending := make([]staged, 0, len(s.params))
	var errs error
	for _, p := range s.params {
		msg, ok := entries[p.Name]
		if !ok {
			errs = multierr.Append(errs, errors.Errorf("missing tensor %s", p.Name))
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "decode entry %s failed", p.Name))
			continue
		}
		if info.DType != dtypeF32 {
			errs = multierr.Append(errs, errors.Errorf("tensor %s: unsupported dtype %s", p.Name, info.DType))
			continue
		}
		if !slices.Equal(info.Shape, p.Value.Shape()) {
			errs = multierr.Append(errs, errors.Errorf("tensor %s: shape %v, want %v", p.Name, info.Shape, p.Value.Shape()))
			continue
		}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end > int64(len(payload)) || end-begin != int64(p.Value.Len())*4 {
			errs = multierr.Append(errs, errors.Errorf("tensor %s: invalid data offsets %v", p.Name, info.DataOffsets))
			continue
		}
		data := make([]float32, p.Value.Len())
		chunk := payload[begin:end]
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
		}
		pending = append(pending, staged{p: p, data: data})
	}
	if errs != nil {
		return errs
	}
	for _, st := range pending {
		copy(st.p.Value.Data(), st.data)
	}
	return nil
}

// SaveFile 写出 safetensors 文件
func (s *VarStore) SaveFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint failed")
	}
	defer func() {
		if err0 := f.Close(); err0 != nil {
			err = multierr.Append(err, err0)
		}
	}()
	return s.Save(f)
}

// LoadFile 读取 safetensors 文件
func (s *VarStore) LoadFile(path string) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open checkpoint failed")
	}
	defer func() {
		if err0 := f.Close(); err0 != nil {
			err = multierr.Append(err, err0)
		}
	}()
	return s.Load(bufio.NewReader(f))
}
