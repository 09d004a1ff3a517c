package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// Output writes command results either as a table or as JSON.
type Output struct {
	w        io.Writer
	jsonMode bool
}

// NewOutput creates an Output writing to w. When jsonMode is set,
// results are emitted as indented JSON instead of tables.
func NewOutput(w io.Writer, jsonMode bool) *Output {
	return &Output{w: w, jsonMode: jsonMode}
}

// JSON reports whether the output is in JSON mode.
func (o *Output) JSON() bool {
	return o.jsonMode
}

// Print emits v as indented JSON.
func (o *Output) Print(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table writes a tab-aligned table with a header row.
func (o *Output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// Success writes a short confirmation line.
func (o *Output) Success(format string, args ...any) {
	fmt.Fprintf(o.w, format+"\n", args...)
}
