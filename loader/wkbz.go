package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MarshalZ 把二维 orb 几何和按顶点顺序排列的Z坐标编码为 ISO WKB（XYZ，小端）。
// Z 的个数必须与顶点数一致
func MarshalZ(g orb.Geometry, z []float64) ([]byte, error) {
	e := &zEncoder{z: z}
	if err := e.geometry(g); err != nil {
		return nil, err
	}
	if e.i != len(z) {
		return nil, fmt.Errorf("geometry has %d vertices, got %d z values", e.i, len(z))
	}
	return e.buf.Bytes(), nil
}

type zEncoder struct {
	buf bytes.Buffer
	z   []float64
	i   int
}

func (e *zEncoder) uint32(v int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.buf.Write(b[:])
}

func (e *zEncoder) float(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	e.buf.Write(b[:])
}

// header 字节序和 ISO 类型码，带Z的类型码为二维类型码加 1000
func (e *zEncoder) header(code int) {
	e.buf.WriteByte(1)
	e.uint32(code + 1000)
}

func (e *zEncoder) point(p orb.Point) error {
	if e.i >= len(e.z) {
		return fmt.Errorf("not enough z values (%d)", len(e.z))
	}
	e.float(p[0])
	e.float(p[1])
	e.float(e.z[e.i])
	e.i++
	return nil
}

func (e *zEncoder) points(ps []orb.Point) error {
	e.uint32(len(ps))
	for _, p := range ps {
		if err := e.point(p); err != nil {
			return err
		}
	}
	return nil
}

func (e *zEncoder) geometry(g orb.Geometry) error {
	switch v := g.(type) {
	case orb.Point:
		e.header(1)
		return e.point(v)
	case orb.LineString:
		e.header(2)
		return e.points(v)
	case orb.Polygon:
		e.header(3)
		e.uint32(len(v))
		for _, r := range v {
			if err := e.points(r); err != nil {
				return err
			}
		}
		return nil
	case orb.MultiPoint:
		e.header(4)
		e.uint32(len(v))
		for _, p := range v {
			if err := e.geometry(p); err != nil {
				return err
			}
		}
		return nil
	case orb.MultiLineString:
		e.header(5)
		e.uint32(len(v))
		for _, ls := range v {
			if err := e.geometry(ls); err != nil {
				return err
			}
		}
		return nil
	case orb.MultiPolygon:
		e.header(6)
		e.uint32(len(v))
		for _, p := range v {
			if err := e.geometry(p); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported geometry %T", g)
}
