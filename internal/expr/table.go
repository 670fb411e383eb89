// Package expr holds per-probeset, per-array expression estimates.
package expr

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Undefined marks a standard error that cannot be estimated, such as for a
// probeset with a single probe.
var Undefined = math.NaN()

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v float64) bool { return math.IsNaN(v) }

// Table is a probesets×arrays matrix of expression values with an optional
// standard-error matrix of the same shape. Rows follow layout order.
type Table struct {
	Probesets []string
	Arrays    []string
	Values    [][]float64
	SE        [][]float64
}

// NewTable allocates a zeroed table. withSE also allocates the SE matrix.
func NewTable(probesets, arrays []string, withSE bool) *Table {
	t := &Table{
		Probesets: probesets,
		Arrays:    arrays,
		Values:    alloc(len(probesets), len(arrays)),
	}
	if withSE {
		t.SE = alloc(len(probesets), len(arrays))
	}
	return t
}

func alloc(rows, cols int) [][]float64 {
	backing := make([]float64, rows*cols)
	out := make([][]float64, rows)
	for i := range out {
		out[i] = backing[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return out
}

// HasSE reports whether standard errors were computed.
func (t *Table) HasSE() bool { return t.SE != nil }

// WriteTSV writes the values as a tab-separated table with a header row of
// array names. NaN cells are written as "NA".
func (t *Table) WriteTSV(w io.Writer) error {
	return writeTSV(w, t.Probesets, t.Arrays, t.Values)
}

// WriteSETSV writes the standard errors in the same layout as WriteTSV.
func (t *Table) WriteSETSV(w io.Writer) error {
	if t.SE == nil {
		return fmt.Errorf("table has no standard errors")
	}
	return writeTSV(w, t.Probesets, t.Arrays, t.SE)
}

func writeTSV(w io.Writer, names, arrays []string, data [][]float64) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("probeset")
	for _, a := range arrays {
		bw.WriteByte('\t')
		bw.WriteString(a)
	}
	bw.WriteByte('\n')

	var num []byte
	for i, name := range names {
		bw.WriteString(name)
		for _, v := range data[i] {
			bw.WriteByte('\t')
			if math.IsNaN(v) {
				bw.WriteString("NA")
				continue
			}
			num = strconv.AppendFloat(num[:0], v, 'g', -1, 64)
			bw.Write(num)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
