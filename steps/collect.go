package steps

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/rowflow/core"
)

// Collect is a terminal sink. It counts the rows it receives, keeps the
// first few in memory, and optionally writes them all to a CSV file.
//
// Config:
//
//	keep: rows kept in memory (default 1000)
//	file: CSV output path; with several copies the copy index is
//	      inserted before the extension
type Collect struct {
	keep int
	path string

	count atomic.Int64

	mu   sync.Mutex
	rows []core.Record
	f    *os.File
	buf  *bufio.Writer
	w    *csv.Writer
	head bool
}

func (c *Collect) Init(_ context.Context, io core.StepIO) error {
	cfg := io.Config()
	keep, err := configInt(cfg, "keep", 1000)
	if err != nil {
		return err
	}
	c.keep = keep
	c.count.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = nil
	c.head = false

	file := configString(cfg, "file", "")
	if file == "" {
		return nil
	}
	c.path = copyPath(file, io.CopyIndex(), io.Copies())
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	c.f = f
	c.buf = bufio.NewWriter(f)
	c.w = csv.NewWriter(c.buf)
	io.AddResultFile(c.path)
	return nil
}

func (c *Collect) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	rec, ok, err := readRow(ctx, io)
	if !ok {
		return false, err
	}
	c.count.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rows) < c.keep {
		c.rows = append(c.rows, rec)
	}
	if c.w == nil {
		return true, nil
	}
	if !c.head {
		if err := c.w.Write(rec.Meta.Names()); err != nil {
			return false, err
		}
		c.head = true
	}
	fields := make([]string, len(rec.Values))
	for k, v := range rec.Values {
		if v != nil {
			fields[k] = fmt.Sprint(v)
		}
	}
	if err := c.w.Write(fields); err != nil {
		return false, fmt.Errorf("write %s: %w", c.path, err)
	}
	io.IncOutput(1)
	return true, nil
}

// Dispose flushes and closes the output file.
func (c *Collect) Dispose(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	c.w.Flush()
	err := c.w.Error()
	if ferr := c.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	c.f, c.buf, c.w = nil, nil, nil
	return err
}

// Collected returns the number of rows received.
func (c *Collect) Collected() int64 { return c.count.Load() }

// Rows returns the rows kept in memory.
func (c *Collect) Rows() []core.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Record(nil), c.rows...)
}

// copyPath turns out.csv into out.2.csv for copy 2 of several.
func copyPath(path string, copyIndex, copies int) string {
	if copies <= 1 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + strconv.Itoa(copyIndex) + ext
}
