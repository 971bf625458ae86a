// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bus

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Writer writes batches as ND-JSON lines to an io.Writer, such as stdout or
// a file. A batch is acknowledged once it has been flushed to w.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	w      *bufio.Writer
	closer io.Closer
}

// NewWriter returns a Writer bus. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	b := &Writer{out: w, w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		b.closer = c
	}
	return b
}

// Publish implements Bus.
func (b *Writer) Publish(ctx context.Context, batch []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(batch); err != nil {
		// bufio.Writer errors are sticky; discard the partial batch so a
		// retry starts from a clean buffer.
		b.w.Reset(b.out)
		return err
	}
	return nil
}

func (b *Writer) write(batch []Message) error {
	for _, m := range batch {
		if _, err := b.w.Write(m.Value); err != nil {
			return err
		}
		if err := b.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return b.w.Flush()
}

// Close implements Bus.
func (b *Writer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Flush(); err != nil {
		return err
	}
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}
