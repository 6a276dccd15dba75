// Package sse consumes and produces server-sent event streams carrying
// OpenAI-compatible chat completion chunks.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
)

// MaxBuffer bounds the bytes held while waiting for a line terminator.
const MaxBuffer = 1 << 20

var ErrBufferOverflow = errors.New("sse: buffered line exceeds limit")

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Frame is one decoded data line.
type Frame struct {
	Delta        string
	FinishReason string
	Err          string // upstream error message carried in the stream
	Done         bool
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Parser turns arbitrarily split byte chunks into frames. It is not safe for
// concurrent use.
type Parser struct {
	buf       []byte
	held      []byte // line put back after a failed decode
	done      bool
	malformed int
}

// Feed appends b and returns the frames for every complete line. A data line
// that fails to decode is put back and retried once more bytes arrive; if it
// fails again it is dropped. Only what is left unprocessed counts against
// MaxBuffer.
func (p *Parser) Feed(b []byte) ([]Frame, error) {
	if p.done {
		return nil, nil
	}
	p.buf = append(p.buf, b...)
	out := p.drain(false)
	if len(p.buf) > MaxBuffer {
		return out, ErrBufferOverflow
	}
	return out, nil
}

// Flush processes whatever remains once the stream has ended, including an
// unterminated last line. Decode failures are dropped.
func (p *Parser) Flush() []Frame {
	if p.done || len(p.buf) == 0 {
		p.buf = nil
		return nil
	}
	if p.buf[len(p.buf)-1] != '\n' {
		p.buf = append(p.buf, '\n')
	}
	out := p.drain(true)
	p.buf = nil
	return out
}

func (p *Parser) Done() bool { return p.done }

// Malformed reports how many data lines were dropped.
func (p *Parser) Malformed() int { return p.malformed }

func (p *Parser) drain(final bool) []Frame {
	var out []Frame
	for !p.done {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(p.buf[:i], []byte{'\r'})
		f, ok, err := parseLine(line)
		if err != nil {
			if !final && (p.held == nil || !bytes.Equal(p.held, line)) {
				p.held = append([]byte(nil), line...)
				break
			}
			p.held = nil
			p.malformed++
			p.buf = p.buf[i+1:]
			continue
		}
		p.held = nil
		p.buf = p.buf[i+1:]
		if !ok {
			continue
		}
		if f.Done {
			p.done = true
			p.buf = nil
		}
		out = append(out, f)
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

func parseLine(line []byte) (Frame, bool, error) {
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return Frame{}, false, nil
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return Frame{}, false, nil // event:, id:, retry:
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return Frame{}, false, nil
	}
	if bytes.Equal(payload, doneMarker) {
		return Frame{Done: true}, true, nil
	}
	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return Frame{}, false, err
	}
	if c.Error != nil {
		return Frame{Err: c.Error.Message}, true, nil
	}
	var f Frame
	if len(c.Choices) > 0 {
		f.Delta = c.Choices[0].Delta.Content
		if c.Choices[0].FinishReason != nil {
			f.FinishReason = *c.Choices[0].FinishReason
		}
	}
	if f.Delta == "" && f.FinishReason == "" {
		return Frame{}, false, nil
	}
	return f, true, nil
}
