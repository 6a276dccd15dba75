package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Assembler accumulates frames into the full assistant message.
type Assembler struct {
	sb     strings.Builder
	finish string
	errMsg string
	done   bool
}

func (a *Assembler) Add(f Frame) {
	switch {
	case f.Done:
		a.done = true
	case f.Err != "":
		a.errMsg = f.Err
	}
	a.sb.WriteString(f.Delta)
	if f.FinishReason != "" {
		a.finish = f.FinishReason
	}
}

func (a *Assembler) Text() string { return a.sb.String() }

func (a *Assembler) Done() bool { return a.done }

// FinishReason is the last reason seen, "stop" when the stream ended with
// [DONE] without one.
func (a *Assembler) FinishReason() string {
	if a.finish == "" && a.done {
		return "stop"
	}
	return a.finish
}

// Err returns the upstream error carried in the stream, if any.
func (a *Assembler) Err() error {
	if a.errMsg == "" {
		return nil
	}
	return fmt.Errorf("upstream stream error: %s", a.errMsg)
}

// Consume reads r until EOF or [DONE], calling fn for every frame in order,
// and returns the assembled message. fn returning an error stops the read.
func Consume(ctx context.Context, r io.Reader, fn func(Frame) error) (*Assembler, Stats, error) {
	var (
		p   Parser
		asm Assembler
		st  Stats
	)
	emit := func(frames []Frame) error {
		for _, f := range frames {
			asm.Add(f)
			st.Frames++
			if fn != nil {
				if err := fn(f); err != nil {
					return err
				}
			}
			if f.Err != "" {
				return asm.Err()
			}
		}
		return nil
	}

	buf := make([]byte, 4096)
	for !p.Done() {
		if err := ctx.Err(); err != nil {
			st.Malformed = p.Malformed()
			return &asm, st, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			st.Bytes += n
			frames, ferr := p.Feed(buf[:n])
			if err := emit(frames); err != nil {
				st.Malformed = p.Malformed()
				return &asm, st, err
			}
			if ferr != nil {
				st.Malformed = p.Malformed()
				return &asm, st, ferr
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			st.Malformed = p.Malformed()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &asm, st, ctxErr
			}
			return &asm, st, rerr
		}
	}
	err := emit(p.Flush())
	st.Malformed = p.Malformed()
	return &asm, st, err
}

// Stats describes one consumed stream.
type Stats struct {
	Bytes     int
	Frames    int
	Malformed int
}
