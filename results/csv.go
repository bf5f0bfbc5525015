package results

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"rowhammer/experiment"
)

var csvHeader = []string{"value", "mean", "std", "min", "max", "rows_with_flips", "failed", "not_found", "raw"}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

// WriteCSV writes one line of statistics per point. The raw column holds the
// per-trial metrics, separated by semicolons, "none" standing for a search
// without flips.
func WriteCSV(w io.Writer, res *experiment.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range res.Points {
		raw := make([]string, len(p.Trials))
		failed := 0
		for i, t := range p.Trials {
			raw[i] = ftoa(t.Metric)
			if t.NotFound {
				raw[i] = "none"
			}
			if t.Failed() {
				failed++
			}
		}
		rec := []string{
			ftoa(p.Value),
			ftoa(p.Mean),
			ftoa(p.Std),
			ftoa(p.Min),
			ftoa(p.Max),
			strconv.Itoa(p.RowsWithFlips),
			strconv.Itoa(failed),
			strconv.Itoa(p.NotFound),
			strings.Join(raw, ";"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
