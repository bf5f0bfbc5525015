package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/Sirupsen/logrus.v0"

	"rowhammer/fault"
	"rowhammer/log"
	"rowhammer/transport"
)

type recCheckpointer struct {
	trials []int
	last   *Result
}

func (c *recCheckpointer) Checkpoint(res *Result) error {
	c.trials = append(c.trials, res.Trials())
	c.last = res
	return nil
}

func newTestDriver(values []float64, repeats int) (*Driver, *[]time.Duration) {
	var sleeps []time.Duration
	d := NewDriver(Config{
		Kind:            "retention",
		Unit:            "s",
		Values:          values,
		Repeats:         repeats,
		CoolDown:        3 * time.Second,
		FailureCoolDown: 5 * time.Second,
	})
	d.Sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return ctx.Err()
	}
	return d, &sleeps
}

func TestSweepSurvivesTrialFailure(t *testing.T) {
	d, sleeps := newTestDriver([]float64{1, 2, 3, 4, 5}, 3)
	cp := &recCheckpointer{}
	d.Checkpointer = cp

	calls := 0
	res, err := d.Run(context.Background(), func(_ context.Context, v float64, rep int) (Outcome, error) {
		calls++
		if v == 3 && rep == 1 {
			return Outcome{}, transport.Wrap("read", errors.New("link down"))
		}
		return Outcome{Metric: v * 10, Faults: int(v * 10), Rows: []int{int(v)}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 15 || res.Trials() != 15 || !res.Complete {
		t.Fatalf("calls=%d trials=%d complete=%t", calls, res.Trials(), res.Complete)
	}

	failed := res.Points[2].Trials[1]
	if !failed.Failed() || failed.Faults != 0 || len(failed.Rows) != 0 {
		t.Errorf("failed slot = %+v", failed)
	}
	// failed trials count as zero
	p := res.Points[2]
	if math.Abs(p.Mean-20) > 1e-9 || p.Min != 0 || p.Max != 30 {
		t.Errorf("point 3 stats = %+v", p.Stats)
	}
	if p.RowsWithFlips != 1 {
		t.Errorf("RowsWithFlips = %d", p.RowsWithFlips)
	}

	if len(*sleeps) != 14 {
		t.Fatalf("%d cool-downs, want 14", len(*sleeps))
	}
	// trial #8 (0-based 7) failed, the cool-down after it is the long one
	for i, s := range *sleeps {
		want := 3 * time.Second
		if i == 7 {
			want = 5 * time.Second
		}
		if s != want {
			t.Errorf("cool-down %d = %v, want %v", i, s, want)
		}
	}
	if diff := cmp.Diff([]int{15}, cp.trials); diff != "" {
		t.Errorf("checkpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestStats(t *testing.T) {
	st := computeStats([]float64{1, 2, 3})
	want := Stats{Mean: 2, Std: math.Sqrt(2.0 / 3), Min: 1, Max: 3}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("computeStats mismatch (-want +got):\n%s", diff)
	}
	if st := computeStats(nil); st != (Stats{}) {
		t.Errorf("computeStats(nil) = %+v", st)
	}
}

func TestCheckpointEvery(t *testing.T) {
	d, _ := newTestDriver([]float64{1, 2, 3, 4, 5}, 3)
	d.CheckpointEvery = 4
	cp := &recCheckpointer{}
	d.Checkpointer = cp
	_, err := d.Run(context.Background(), func(context.Context, float64, int) (Outcome, error) {
		return Outcome{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, 8, 12, 15}, cp.trials); diff != "" {
		t.Errorf("checkpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelAndResume(t *testing.T) {
	values := []float64{0.5, 1, 1.5, 2, 2.5}
	d, _ := newTestDriver(values, 3)
	cp := &recCheckpointer{}
	d.Checkpointer = cp

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	res, err := d.Run(ctx, func(tctx context.Context, v float64, rep int) (Outcome, error) {
		calls++
		if calls == 5 {
			cancel()
		}
		if tctx.Err() != nil {
			t.Errorf("trial %d saw the cancellation", calls)
		}
		return Outcome{Metric: v, Faults: 1}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if res.Trials() != 5 || res.Complete {
		t.Fatalf("interrupted sweep has %d trials, complete=%t", res.Trials(), res.Complete)
	}
	if diff := cmp.Diff([]int{5}, cp.trials); diff != "" {
		t.Errorf("checkpoints mismatch (-want +got):\n%s", diff)
	}

	d2, _ := newTestDriver(values, 3)
	if err := d2.Resume(cp.last); err != nil {
		t.Fatal(err)
	}
	var ran [][2]float64
	res2, err := d2.Run(context.Background(), func(_ context.Context, v float64, rep int) (Outcome, error) {
		ran = append(ran, [2]float64{v, float64(rep)})
		return Outcome{Metric: v, Faults: 1}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ran) != 10 || ran[0] != [2]float64{1, 2} {
		t.Errorf("resumed sweep ran %v", ran)
	}
	if res2.Trials() != 15 || !res2.Complete {
		t.Errorf("resumed result: %d trials, complete=%t", res2.Trials(), res2.Complete)
	}
	for _, p := range res2.Points {
		for i, tr := range p.Trials {
			if tr.Repeat != i {
				t.Errorf("point %v: trial %d has repeat %d", p.Value, i, tr.Repeat)
			}
		}
	}

	d3, _ := newTestDriver(values, 3)
	d3.Kind = "hammer"
	if err := d3.Resume(cp.last); err == nil {
		t.Errorf("resumed a retention checkpoint as hammer")
	}
}

func TestNotFoundLeftOutOfStats(t *testing.T) {
	d, _ := newTestDriver([]float64{100}, 3)
	detail := []fault.RowFaults{{
		Bank: 1, Row: 101, LogicalRow: 101, Total: 2,
		Columns: map[int]fault.Column{5: {Bits: []int{3, 17}, Count: 2}},
	}}
	res, err := d.Run(context.Background(), func(_ context.Context, _ float64, rep int) (Outcome, error) {
		switch rep {
		case 1:
			return Outcome{NotFound: true}, nil
		case 2:
			return Outcome{Metric: 4000, Faults: 2, Rows: []int{101}, RowFaults: detail}, nil
		}
		return Outcome{Metric: 2000, Faults: 2, Rows: []int{101}, RowFaults: detail}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	p := res.Points[0]
	want := Stats{Mean: 3000, Std: 1000, Min: 2000, Max: 4000}
	if diff := cmp.Diff(want, p.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if p.NotFound != 1 || !p.Trials[1].NotFound || p.Trials[0].NotFound {
		t.Errorf("NotFound = %d, trials %+v", p.NotFound, p.Trials)
	}
	if diff := cmp.Diff(detail, p.Trials[2].RowFaults); diff != "" {
		t.Errorf("row faults mismatch (-want +got):\n%s", diff)
	}
}

func TestBoardTaggedLogs(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetJSON()
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{})
	})

	d, _ := newTestDriver([]float64{7}, 2)
	d.Board = "b1"
	_, err := d.Run(context.Background(), func(_ context.Context, _ float64, rep int) (Outcome, error) {
		log.ModExp.WarnZ("inside trial").End()
		if rep == 1 {
			return Outcome{}, errors.New("link down")
		}
		return Outcome{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var got []map[string]string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var m map[string]string
		if err := dec.Decode(&m); err != nil {
			t.Fatal(err)
		}
		switch m["msg"] {
		case "inside trial", "trial failed":
			delete(m, "time")
			got = append(got, m)
		}
	}
	want := []map[string]string{
		{"level": "warning", "msg": "inside trial", "_mod": "exp"},
		{"level": "warning", "msg": "inside trial", "_mod": "exp"},
		{"level": "warning", "msg": "trial failed", "_mod": "exp", "err": "link down", "board": "b1", "value": "7", "repeat": "1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("log entries mismatch (-want +got):\n%s", diff)
	}
}

func TestLinspace(t *testing.T) {
	if diff := cmp.Diff([]float64{0, 0.25, 0.5, 0.75, 1}, Linspace(0, 1, 5)); diff != "" {
		t.Errorf("Linspace mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2}, Linspace(2, 5, 1)); diff != "" {
		t.Errorf("Linspace n=1 mismatch (-want +got):\n%s", diff)
	}
	if Linspace(0, 1, 0) != nil {
		t.Errorf("Linspace n=0 not nil")
	}
}
