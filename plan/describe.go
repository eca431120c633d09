package plan

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Describe renders the plan as two aligned tables: stages and links.
func (p *Plan) Describe() string {
	var b strings.Builder
	p.WriteTo(&b)
	return b.String()
}

// WriteTo writes the Describe output to w.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Graph: %s (%d instances, %d queues)\n\n", p.Graph.Name(), p.InstanceCount(), p.QueueCount())
	fmt.Fprintln(tw, "STAGE\tKIND\tCOPIES\tREPARTITION\tOUTBOUND\t")
	for _, sp := range p.Stages {
		kind := sp.Stage.Kind
		if sp.Stage.PassThrough {
			kind += " (pass-through)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t\n", sp.Name(), kind, sp.Copies, sp.Repartition, sp.Outbound)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "LINK\tDISPATCH\tQUEUES\tREPARTITION\tERROR\t")
	for _, lp := range p.Links {
		fmt.Fprintf(tw, "%s -> %s\t%s\t%d\t%t\t%t\t\n", lp.From, lp.To, lp.Dispatch, len(lp.Queues), lp.Repartition, lp.Error)
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
