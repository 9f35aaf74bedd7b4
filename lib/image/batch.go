// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package image

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/log"
	"golang.org/x/sync/errgroup"
)

// Writer stores finished outputs
type Writer interface {
	WriteOutput(o *Output) error
}

// FileWriter writes each output into Dir. Files are replaced atomically, so
// a failed run never leaves a truncated image behind.
type FileWriter struct {
	Dir  string
	Perm os.FileMode
}

func (w *FileWriter) WriteOutput(o *Output) error {
	perm := w.Perm
	if perm == 0 {
		perm = 0644
	}

	path := filepath.Join(w.Dir, o.Name)
	if err := atomicwriter.WriteFile(path, o.Data, perm); err != nil {
		return errors.Wrapf(err, "Writing %s", path)
	}

	log.Printf("Created %s (%s)\n", path, humanize.IBytes(uint64(len(o.Data))))
	return nil
}

// Batch runs the assembler over every row of a field set. Rows are
// independent, so up to Jobs of them run at once. A failed row is reported
// and skipped.
type Batch struct {
	Assembler *Assembler
	Fields    *config.FieldSet
	Writer    Writer
	Jobs      int
	// Called after each row, whether or not it succeeded. With Jobs > 1
	// it's called from several goroutines.
	Progress func(row int)
}

func (b *Batch) jobs() int {
	if b.Jobs < 1 {
		return 1
	}
	return b.Jobs
}

func (b *Batch) run(ctx context.Context, do func(row int) error) ([]*RowError, error) {
	var mu sync.Mutex
	var failed []*RowError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.jobs())

	for row := 0; row < b.Fields.Rows; row++ {
		row := row
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if b.Progress != nil {
				defer b.Progress(row)
			}

			err := do(row)
			if err == nil {
				return nil
			}

			rerr, ok := err.(*RowError)
			if !ok {
				rerr = &RowError{Row: row, MAC: b.Assembler.rowMAC(b.Fields, row), Err: err}
			}
			log.Println("ERROR:", rerr)

			mu.Lock()
			failed = append(failed, rerr)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return failed, err
	}
	if err := ctx.Err(); err != nil {
		return failed, err
	}

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Row < failed[j].Row
	})

	return failed, nil
}

// Run builds and writes one image per row
func (b *Batch) Run(ctx context.Context) ([]*RowError, error) {
	if err := b.Assembler.CheckFields(b.Fields); err != nil {
		return nil, err
	}

	return b.run(ctx, func(row int) error {
		out, err := b.Assembler.Row(b.Fields, row)
		if err != nil {
			return err
		}
		return b.Writer.WriteOutput(out)
	})
}

// Serialise builds the serialisation line of every row, and writes them
// all to a single output called name. Failed rows are left out.
func (b *Batch) Serialise(ctx context.Context, name string) ([]*RowError, error) {
	if err := b.Assembler.CheckFields(b.Fields); err != nil {
		return nil, err
	}

	lines := make([]string, b.Fields.Rows)
	failed, err := b.run(ctx, func(row int) error {
		line, err := b.Assembler.Serialise(b.Fields, row)
		if err != nil {
			return err
		}
		lines[row] = line + "\n"
		return nil
	})
	if err != nil {
		return failed, err
	}

	out := &Output{Name: name, Data: []byte(strings.Join(lines, ""))}
	return failed, b.Writer.WriteOutput(out)
}
