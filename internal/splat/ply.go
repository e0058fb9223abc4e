package splat

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedPLY is returned for PLY features the loader does not handle.
var ErrUnsupportedPLY = errors.New("unsupported ply")

type plyFormat int

const (
	plyASCII plyFormat = iota
	plyBinaryLE
	plyBinaryBE
)

type plyProperty struct {
	name string
	kind string
	size int
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

func (e plyElement) stride() int {
	n := 0
	for _, p := range e.props {
		n += p.size
	}
	return n
}

var plyTypeSizes = map[string]int{
	"char": 1, "int8": 1, "uchar": 1, "uint8": 1,
	"short": 2, "int16": 2, "ushort": 2, "uint16": 2,
	"int": 4, "int32": 4, "uint": 4, "uint32": 4,
	"float": 4, "float32": 4, "double": 8, "float64": 8,
}

// LoadFile reads the vertex element of a PLY file. Files ending in .zst are zstd-decompressed.
// A "state" property, if present, becomes the state array; all other vertex properties are
// exposed as raw float32 arrays.
func LoadFile(path string) (*PointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".zst")
	name = strings.TrimSuffix(name, ".ply")

	ps, err := ReadPLY(name, r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ps, nil
}

// ReadPLY parses a PLY stream and returns its vertex element as a PointSet.
func ReadPLY(name string, r io.Reader) (*PointSet, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	format, elements, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	for _, el := range elements {
		if el.name == "vertex" {
			return readVertexElement(name, br, format, el)
		}
		if err := skipElement(br, format, el); err != nil {
			return nil, fmt.Errorf("element %s: %w", el.name, err)
		}
	}
	return nil, fmt.Errorf("%w: no vertex element", ErrUnsupportedPLY)
}

func readPLYHeader(br *bufio.Reader) (plyFormat, []plyElement, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if strings.TrimSpace(line) != "ply" {
		return 0, nil, fmt.Errorf("%w: missing ply magic", ErrUnsupportedPLY)
	}

	format := plyFormat(-1)
	var elements []plyElement
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("truncated header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return 0, nil, fmt.Errorf("%w: bad format line", ErrUnsupportedPLY)
			}
			switch fields[1] {
			case "ascii":
				format = plyASCII
			case "binary_little_endian":
				format = plyBinaryLE
			case "binary_big_endian":
				format = plyBinaryBE
			default:
				return 0, nil, fmt.Errorf("%w: format %s", ErrUnsupportedPLY, fields[1])
			}
		case "element":
			if len(fields) != 3 {
				return 0, nil, fmt.Errorf("%w: bad element line %q", ErrUnsupportedPLY, strings.TrimSpace(line))
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil || count < 0 {
				return 0, nil, fmt.Errorf("%w: bad element count %q", ErrUnsupportedPLY, fields[2])
			}
			elements = append(elements, plyElement{name: fields[1], count: count})
		case "property":
			if len(elements) == 0 {
				return 0, nil, fmt.Errorf("%w: property before element", ErrUnsupportedPLY)
			}
			if len(fields) != 3 {
				// list properties
				return 0, nil, fmt.Errorf("%w: property %q", ErrUnsupportedPLY, strings.TrimSpace(line))
			}
			size, ok := plyTypeSizes[fields[1]]
			if !ok {
				return 0, nil, fmt.Errorf("%w: property type %s", ErrUnsupportedPLY, fields[1])
			}
			el := &elements[len(elements)-1]
			el.props = append(el.props, plyProperty{name: fields[2], kind: fields[1], size: size})
		case "end_header":
			if format < 0 {
				return 0, nil, fmt.Errorf("%w: missing format", ErrUnsupportedPLY)
			}
			return format, elements, nil
		case "comment", "obj_info":
		default:
			return 0, nil, fmt.Errorf("%w: header keyword %s", ErrUnsupportedPLY, fields[0])
		}
	}
}

func skipElement(br *bufio.Reader, format plyFormat, el plyElement) error {
	if format == plyASCII {
		for i := 0; i < el.count; i++ {
			if _, err := br.ReadString('\n'); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := br.Discard(el.count * el.stride())
	return err
}

func readVertexElement(name string, br *bufio.Reader, format plyFormat, el plyElement) (*PointSet, error) {
	n := el.count
	columns := make([][]float32, len(el.props))
	for i := range columns {
		columns[i] = make([]float32, n)
	}

	switch format {
	case plyASCII:
		for i := 0; i < n; i++ {
			line, err := br.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return nil, fmt.Errorf("vertex %d: %w", i, err)
			}
			fields := strings.Fields(line)
			if len(fields) < len(el.props) {
				return nil, fmt.Errorf("vertex %d: expected %d values, got %d", i, len(el.props), len(fields))
			}
			for c := range el.props {
				v, err := strconv.ParseFloat(fields[c], 64)
				if err != nil {
					return nil, fmt.Errorf("vertex %d %s: %w", i, el.props[c].name, err)
				}
				columns[c][i] = float32(v)
			}
		}
	default:
		var order binary.ByteOrder = binary.LittleEndian
		if format == plyBinaryBE {
			order = binary.BigEndian
		}
		row := make([]byte, el.stride())
		for i := 0; i < n; i++ {
			if _, err := io.ReadFull(br, row); err != nil {
				return nil, fmt.Errorf("vertex %d: %w", i, err)
			}
			off := 0
			for c, p := range el.props {
				columns[c][i] = decodeScalar(order, p.kind, row[off:off+p.size])
				off += p.size
			}
		}
	}

	ps := NewPointSet(name, n)
	for c, p := range el.props {
		if p.name == "state" {
			states := make([]uint8, n)
			for i, v := range columns[c] {
				states[i] = uint8(v)
			}
			if err := ps.SetStates(states); err != nil {
				return nil, err
			}
			continue
		}
		if err := ps.AddProperty(p.name, columns[c]); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

func decodeScalar(order binary.ByteOrder, kind string, b []byte) float32 {
	switch kind {
	case "char", "int8":
		return float32(int8(b[0]))
	case "uchar", "uint8":
		return float32(b[0])
	case "short", "int16":
		return float32(int16(order.Uint16(b)))
	case "ushort", "uint16":
		return float32(order.Uint16(b))
	case "int", "int32":
		return float32(int32(order.Uint32(b)))
	case "uint", "uint32":
		return float32(order.Uint32(b))
	case "float", "float32":
		return math.Float32frombits(order.Uint32(b))
	case "double", "float64":
		return float32(math.Float64frombits(order.Uint64(b)))
	}
	return 0
}
