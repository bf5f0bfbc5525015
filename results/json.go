// Package results persists experiment results: JSON checkpoints that can be
// loaded back to resume a sweep, and CSV summaries.
package results

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/jx"

	"rowhammer/attack"
	"rowhammer/experiment"
	"rowhammer/fault"
)

const formatVersion = 1

// EncodeResult writes res as a JSON object.
func EncodeResult(e *jx.Encoder, res *experiment.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("version", func(e *jx.Encoder) { e.Int(formatVersion) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(res.Kind) })
		e.Field("unit", func(e *jx.Encoder) { e.Str(res.Unit) })
		e.Field("repeats", func(e *jx.Encoder) { e.Int(res.Repeats) })
		e.Field("started", func(e *jx.Encoder) { e.Str(res.Started.Format(time.RFC3339Nano)) })
		e.Field("complete", func(e *jx.Encoder) { e.Bool(res.Complete) })
		e.Field("points", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, p := range res.Points {
					encodePoint(e, p)
				}
			})
		})
	})
}

func encodePoint(e *jx.Encoder, p experiment.Point) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("value", func(e *jx.Encoder) { e.Float64(p.Value) })
		e.Field("mean", func(e *jx.Encoder) { e.Float64(p.Mean) })
		e.Field("std", func(e *jx.Encoder) { e.Float64(p.Std) })
		e.Field("min", func(e *jx.Encoder) { e.Float64(p.Min) })
		e.Field("max", func(e *jx.Encoder) { e.Float64(p.Max) })
		e.Field("rows_with_flips", func(e *jx.Encoder) { e.Int(p.RowsWithFlips) })
		e.Field("not_found", func(e *jx.Encoder) { e.Int(p.NotFound) })
		e.Field("trials", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, t := range p.Trials {
					encodeTrial(e, t)
				}
			})
		})
	})
}

func encodeTrial(e *jx.Encoder, t experiment.Trial) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("repeat", func(e *jx.Encoder) { e.Int(t.Repeat) })
		e.Field("metric", func(e *jx.Encoder) { e.Float64(t.Metric) })
		e.Field("faults", func(e *jx.Encoder) { e.Int(t.Faults) })
		e.Field("rows", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, r := range t.Rows {
					e.Int(r)
				}
			})
		})
		if len(t.RowFaults) > 0 {
			e.Field("row_faults", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, rf := range t.RowFaults {
						encodeRowFaults(e, rf)
					}
				})
			})
		}
		if t.NotFound {
			e.Field("not_found", func(e *jx.Encoder) { e.Bool(true) })
		}
		if t.Err != "" {
			e.Field("error", func(e *jx.Encoder) { e.Str(t.Err) })
		}
		e.Field("start", func(e *jx.Encoder) { e.Str(t.Start.Format(time.RFC3339Nano)) })
		e.Field("duration_ns", func(e *jx.Encoder) { e.Int64(int64(t.Duration)) })
	})
}

// EncodeFaults writes the faults found by a single attack, row by row.
func EncodeFaults(e *jx.Encoder, res attack.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("word", func(e *jx.Encoder) { e.Str(fmt.Sprintf("0x%08x", res.Word)) })
		e.Field("flips", func(e *jx.Encoder) { e.Int(res.Flips) })
		e.Field("duration_ns", func(e *jx.Encoder) { e.Int64(int64(res.Duration)) })
		e.Field("rows", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, rf := range res.Faults {
					encodeRowFaults(e, rf)
				}
			})
		})
	})
}

func encodeRowFaults(e *jx.Encoder, rf fault.RowFaults) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("bank", func(e *jx.Encoder) { e.Int(rf.Bank) })
		e.Field("row", func(e *jx.Encoder) { e.Int(rf.Row) })
		e.Field("logical_row", func(e *jx.Encoder) { e.Int(rf.LogicalRow) })
		e.Field("total", func(e *jx.Encoder) { e.Int(rf.Total) })
		e.Field("columns", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, col := range rf.ColumnIndices() {
					c := rf.Columns[col]
					e.Obj(func(e *jx.Encoder) {
						e.Field("col", func(e *jx.Encoder) { e.Int(col) })
						e.Field("bits", func(e *jx.Encoder) {
							e.Arr(func(e *jx.Encoder) {
								for _, b := range c.Bits {
									e.Int(b)
								}
							})
						})
					})
				}
			})
		})
	})
}

// WriteJSON writes res, indented, to w.
func WriteJSON(w io.Writer, res *experiment.Result) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.SetIdent(2)
	EncodeResult(e, res)
	_, err := w.Write(append(e.Bytes(), '\n'))
	return err
}

// DecodeResult parses a result written by EncodeResult.
func DecodeResult(data []byte) (*experiment.Result, error) {
	res := new(experiment.Result)
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "version":
			var v int
			if v, err = d.Int(); err == nil && v != formatVersion {
				err = fmt.Errorf("unsupported format version %d", v)
			}
		case "kind":
			res.Kind, err = d.Str()
		case "unit":
			res.Unit, err = d.Str()
		case "repeats":
			res.Repeats, err = d.Int()
		case "started":
			res.Started, err = decodeTime(d)
		case "complete":
			res.Complete, err = d.Bool()
		case "points":
			err = d.Arr(func(d *jx.Decoder) error {
				p, err := decodePoint(d)
				res.Points = append(res.Points, p)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

func decodeInts(d *jx.Decoder) ([]int, error) {
	var vals []int
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Int()
		vals = append(vals, v)
		return err
	})
	return vals, err
}

func decodePoint(d *jx.Decoder) (experiment.Point, error) {
	var p experiment.Point
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "value":
			p.Value, err = d.Float64()
		case "mean":
			p.Mean, err = d.Float64()
		case "std":
			p.Std, err = d.Float64()
		case "min":
			p.Min, err = d.Float64()
		case "max":
			p.Max, err = d.Float64()
		case "rows_with_flips":
			p.RowsWithFlips, err = d.Int()
		case "not_found":
			p.NotFound, err = d.Int()
		case "trials":
			err = d.Arr(func(d *jx.Decoder) error {
				t, err := decodeTrial(d)
				p.Trials = append(p.Trials, t)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	return p, err
}

func decodeTrial(d *jx.Decoder) (experiment.Trial, error) {
	var t experiment.Trial
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "repeat":
			t.Repeat, err = d.Int()
		case "metric":
			t.Metric, err = d.Float64()
		case "faults":
			t.Faults, err = d.Int()
		case "rows":
			t.Rows, err = decodeInts(d)
		case "row_faults":
			err = d.Arr(func(d *jx.Decoder) error {
				rf, err := decodeRowFaults(d)
				t.RowFaults = append(t.RowFaults, rf)
				return err
			})
		case "not_found":
			t.NotFound, err = d.Bool()
		case "error":
			t.Err, err = d.Str()
		case "start":
			t.Start, err = decodeTime(d)
		case "duration_ns":
			var ns int64
			ns, err = d.Int64()
			t.Duration = time.Duration(ns)
		default:
			err = d.Skip()
		}
		return err
	})
	return t, err
}

func decodeRowFaults(d *jx.Decoder) (fault.RowFaults, error) {
	var rf fault.RowFaults
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "bank":
			rf.Bank, err = d.Int()
		case "row":
			rf.Row, err = d.Int()
		case "logical_row":
			rf.LogicalRow, err = d.Int()
		case "total":
			rf.Total, err = d.Int()
		case "columns":
			rf.Columns = make(map[int]fault.Column)
			err = d.Arr(func(d *jx.Decoder) error {
				var (
					col  int
					bits []int
				)
				err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "col":
						col, err = d.Int()
					case "bits":
						bits, err = decodeInts(d)
					default:
						err = d.Skip()
					}
					return err
				})
				rf.Columns[col] = fault.Column{Bits: bits, Count: len(bits)}
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	return rf, err
}

// Load reads a result file written by WriteJSON or a Checkpointer.
func Load(path string) (*experiment.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeResult(data)
}

// Checkpointer saves results to Path, replacing the previous checkpoint
// atomically.
type Checkpointer struct {
	Path string
}

func (c *Checkpointer) Checkpoint(res *experiment.Result) error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(c.Path), filepath.Base(c.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := WriteJSON(f, res); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), c.Path)
}
