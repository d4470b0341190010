/*
 *	Copyright 2024 The mlreco3d Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package cluster

import (
	"github.com/pkg/errors"
)

// contingency counts the co-occurrences of predicted and true labels:
// cells[p][t] is the number of points labeled p by the clustering and t by
// the truth. Rows and columns follow the order labels first appear.
type contingency struct {
	cells     [][]int
	rowTotals []int
	colTotals []int
	total     int
}

func newContingency(pred, truth []int) (*contingency, error) {
	if len(pred) != len(truth) {
		return nil, errors.Errorf("got %d predicted labels but %d true labels", len(pred), len(truth))
	}
	rowOf := map[int]int{}
	colOf := map[int]int{}
	type cell struct{ row, col int }
	counts := map[cell]int{}
	for i := range pred {
		row, ok := rowOf[pred[i]]
		if !ok {
			row = len(rowOf)
			rowOf[pred[i]] = row
		}
		col, ok := colOf[truth[i]]
		if !ok {
			col = len(colOf)
			colOf[truth[i]] = col
		}
		counts[cell{row, col}]++
	}
	c := &contingency{
		cells:     make([][]int, len(rowOf)),
		rowTotals: make([]int, len(rowOf)),
		colTotals: make([]int, len(colOf)),
		total:     len(pred),
	}
	for i := range c.cells {
		c.cells[i] = make([]int, len(colOf))
	}
	for at, n := range counts {
		c.cells[at.row][at.col] = n
		c.rowTotals[at.row] += n
		c.colTotals[at.col] += n
	}
	return c, nil
}

// comb2 is n choose 2.
func comb2(n int) float64 {
	return float64(n) * float64(n-1) / 2
}

// AdjustedRandIndex scores the agreement of two labelings of the same
// points, corrected for chance: 1 for identical partitions, about 0 for
// independent ones. Label values themselves carry no meaning, only the
// induced partitions matter.
func AdjustedRandIndex(pred, truth []int) (float64, error) {
	c, err := newContingency(pred, truth)
	if err != nil {
		return 0, err
	}
	if c.total == 0 {
		return 1, nil
	}
	var index, rowSum, colSum float64
	for _, row := range c.cells {
		for _, n := range row {
			index += comb2(n)
		}
	}
	for _, n := range c.rowTotals {
		rowSum += comb2(n)
	}
	for _, n := range c.colTotals {
		colSum += comb2(n)
	}
	expected := rowSum * colSum / comb2(c.total)
	maxIndex := (rowSum + colSum) / 2
	if maxIndex == expected {
		// Degenerate partitions (all points together, or all apart).
		return 1, nil
	}
	return (index - expected) / (maxIndex - expected), nil
}

// Purity is the mean over predicted clusters of the fraction of their points
// coming from their dominant true cluster.
func Purity(pred, truth []int) (float64, error) {
	c, err := newContingency(pred, truth)
	if err != nil {
		return 0, err
	}
	return meanDominantFraction(c.cells, c.rowTotals), nil
}

// Efficiency is the mean over true clusters of the fraction of their points
// captured by their dominant predicted cluster.
func Efficiency(pred, truth []int) (float64, error) {
	c, err := newContingency(pred, truth)
	if err != nil {
		return 0, err
	}
	transposed := make([][]int, len(c.colTotals))
	for j := range transposed {
		transposed[j] = make([]int, len(c.rowTotals))
		for i := range c.rowTotals {
			transposed[j][i] = c.cells[i][j]
		}
	}
	return meanDominantFraction(transposed, c.colTotals), nil
}

// FScore is the harmonic mean of purity and efficiency.
func FScore(pred, truth []int) (float64, error) {
	purity, err := Purity(pred, truth)
	if err != nil {
		return 0, err
	}
	efficiency, err := Efficiency(pred, truth)
	if err != nil {
		return 0, err
	}
	if purity+efficiency == 0 {
		return 0, nil
	}
	return 2 * purity * efficiency / (purity + efficiency), nil
}

func meanDominantFraction(cells [][]int, totals []int) float64 {
	if len(cells) == 0 {
		return 1
	}
	var sum float64
	for i, row := range cells {
		best := 0
		for _, n := range row {
			if n > best {
				best = n
			}
		}
		sum += float64(best) / float64(totals[i])
	}
	return sum / float64(len(cells))
}
