package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Loop serves requests over a line-oriented byte stream.
type Loop struct {
	pipeline *Pipeline
}

// NewLoop creates a request loop over p.
func NewLoop(p *Pipeline) *Loop {
	return &Loop{pipeline: p}
}

// RunOnce handles a single request taken from arg, or from in when arg is
// empty. Exactly one JSON line is written to out. The request error, if any,
// is returned after its {"error"} line has been written. Cancelling ctx stops
// a read that is still waiting on in.
func (l *Loop) RunOnce(ctx context.Context, arg string, in io.Reader, out io.Writer) error {
	data := []byte(arg)
	if arg == "" {
		var err error
		data, err = readAll(ctx, in)
		if err != nil {
			return l.fail(out, fmt.Errorf("failed to read input: %w", err))
		}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return l.fail(out, ErrEmptyInput)
	}

	res, err := l.pipeline.HandleJSON(ctx, data)
	if err != nil {
		return l.fail(out, err)
	}
	return WriteLine(out, res)
}

// RunStream handles one request per input line until EOF. Blank lines are
// skipped. A failing request produces an {"error"} line and the loop carries
// on; only read or write failures on the stream itself end it early.
// Cancelling ctx returns ctx.Err() without waiting for the next line.
func (l *Loop) RunStream(ctx context.Context, in io.Reader, out io.Writer) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := readLines(readCtx, in)
	served := 0

	for {
		var chunk lineResult
		select {
		case <-ctx.Done():
			log.Debug().Int("requests", served).Msg("Stream cancelled")
			return ctx.Err()
		case chunk = <-lines:
		}

		line, readErr := chunk.line, chunk.err
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read request: %w", readErr)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var resp any
			res, err := l.pipeline.HandleJSON(ctx, trimmed)
			if err != nil {
				resp = NewErrorResponse(err)
			} else {
				resp = res
			}
			if err := WriteLine(out, resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			served++
		}

		if errors.Is(readErr, io.EOF) {
			log.Debug().Int("requests", served).Msg("Input closed, stream finished")
			return nil
		}
	}
}

type lineResult struct {
	line []byte
	err  error
}

// readLines feeds in line by line until a read error (io.EOF included) or
// ctx ends. A reader blocked in Read is left behind when ctx ends; the
// process is expected to exit soon after.
func readLines(ctx context.Context, in io.Reader) <-chan lineResult {
	ch := make(chan lineResult)
	go func() {
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadBytes('\n')
			select {
			case ch <- lineResult{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func readAll(ctx context.Context, in io.Reader) ([]byte, error) {
	ch := make(chan lineResult, 1)
	go func() {
		data, err := io.ReadAll(in)
		ch <- lineResult{data, err}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loop) fail(out io.Writer, err error) error {
	if werr := WriteLine(out, NewErrorResponse(err)); werr != nil {
		log.Error().Err(werr).Msg("Failed to write error response")
	}
	return err
}

// WriteLine encodes v as one JSON line and flushes it when out buffers.
func WriteLine(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	if f, ok := out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
