package request

import (
	"fmt"
	"strconv"
	"strings"
)

// Variable is a named integer placeholder cycling through [Start, End].
type Variable struct {
	Name  string
	Start uint64
	End   uint64
	// Rows, when set, hold the substituted text: value v of request i
	// becomes Rows[v][i], or Rows[v][0] for a shorter row.
	Rows [][]string

	cur   uint64
	width int
}

// NewVariable returns a variable positioned at start. Values are rendered
// zero-padded to the width of end.
func NewVariable(name string, start, end uint64) *Variable {
	if end < start {
		end = start
	}
	return &Variable{
		Name:  name,
		Start: start,
		End:   end,
		cur:   start,
		width: len(strconv.FormatUint(end, 10)),
	}
}

// Enabled reports whether the variable takes part in substitution.
func (v *Variable) Enabled() bool {
	return v != nil && v.Name != ""
}

// Next returns the current value and advances, wrapping from End back to
// Start.
func (v *Variable) Next() uint64 {
	val := v.cur
	if v.cur >= v.End {
		v.cur = v.Start
	} else {
		v.cur++
	}
	return val
}

// Seek moves the cursor to val, clamped to the range.
func (v *Variable) Seek(val uint64) {
	v.cur = min(max(val, v.Start), v.End)
}

// Format renders val the way it is substituted.
func (v *Variable) Format(val uint64) string {
	return fmt.Sprintf("%0*d", v.width, val)
}

// Value is the text substituted for val in the template of request index
// req.
func (v *Variable) Value(val uint64, req int) string {
	if len(v.Rows) == 0 {
		return v.Format(val)
	}
	if val >= uint64(len(v.Rows)) || len(v.Rows[val]) == 0 {
		return ""
	}
	row := v.Rows[val]
	if req >= 0 && req < len(row) {
		return row[req]
	}
	return row[0]
}

// Apply replaces every occurrence of the variable name in s, a template of
// request index req, with val.
func (v *Variable) Apply(s string, val uint64, req int) string {
	if !v.Enabled() || !strings.Contains(s, v.Name) {
		return s
	}
	return strings.ReplaceAll(s, v.Name, v.Value(val, req))
}

// Copy returns a variable over the same range with its cursor at Start.
func (v *Variable) Copy() *Variable {
	return v.sub(v.Start, v.End)
}

func (v *Variable) sub(start, end uint64) *Variable {
	s := NewVariable(v.Name, start, end)
	s.width = v.width
	s.Rows = v.Rows
	return s
}

// Slice returns the part of the range owned by client index i out of n when
// the range is partitioned across clients. Ranges smaller than n are shared
// by everyone.
func (v *Variable) Slice(i, n int) *Variable {
	if !v.Enabled() || n <= 1 {
		return v.Copy()
	}
	size := v.End - v.Start + 1
	per := size / uint64(n)
	if per == 0 {
		return v.Copy()
	}
	rem := size % uint64(n)
	idx := uint64(i)
	start := v.Start + idx*per + min(idx, rem)
	end := start + per - 1
	if idx < rem {
		end++
	}
	return v.sub(start, end)
}
