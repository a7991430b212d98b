package model

import (
	"strconv"
	"strings"

	"hybridvision/pkg/nn"
)

// ParameterInfo describes one trainable tensor.
type ParameterInfo struct {
	Name  string
	Shape []int
	Count int
}

// Summary lists params in order and returns their total size.
func Summary(params []*nn.Parameter) ([]ParameterInfo, int) {
	infos := make([]ParameterInfo, len(params))
	total := 0
	for i, p := range params {
		infos[i] = ParameterInfo{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Count: p.Size(),
		}
		total += infos[i].Count
	}
	return infos, total
}

// ShapeString formats the shape as "a x b x c".
func (p ParameterInfo) ShapeString() string {
	dims := make([]string, len(p.Shape))
	for i, d := range p.Shape {
		dims[i] = strconv.Itoa(d)
	}
	return strings.Join(dims, " x ")
}
