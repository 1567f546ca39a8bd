package turn

import (
	"bufio"
	"context"
	"io"
)

// Chunk is one opaque ordered fragment of the model stream.
type Chunk struct {
	Seq  int
	Text string
}

// Source supplies stream chunks in order. Next returns io.EOF after
// the last chunk; any other error is an upstream failure and forces
// end of stream.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// StringSource serves a complete text as a sequence of fixed-size
// chunks. Useful when the whole stream arrived at once (HTTP body,
// replay from the store) and in tests exercising chunk-boundary
// independence.
type StringSource struct {
	text string
	size int
	pos  int
	seq  int
}

func NewStringSource(text string, chunkSize int) *StringSource {
	if chunkSize <= 0 {
		chunkSize = len(text)
	}
	return &StringSource{text: text, size: chunkSize}
}

func (s *StringSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos >= len(s.text) {
		return Chunk{}, io.EOF
	}
	end := s.pos + s.size
	if end > len(s.text) {
		end = len(s.text)
	}
	c := Chunk{Seq: s.seq, Text: s.text[s.pos:end]}
	s.pos = end
	s.seq++
	return c, nil
}

// ChunkSource serves pre-split chunks, preserving the producer's exact
// fragmentation.
type ChunkSource struct {
	chunks []string
	seq    int
}

func NewChunkSource(chunks []string) *ChunkSource {
	return &ChunkSource{chunks: chunks}
}

func (s *ChunkSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.seq >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := Chunk{Seq: s.seq, Text: s.chunks[s.seq]}
	s.seq++
	return c, nil
}

// ReaderSource adapts an io.Reader to a Source.
type ReaderSource struct {
	r   *bufio.Reader
	seq int
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: bufio.NewReader(r)}
}

func (s *ReaderSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	buf := make([]byte, 4096)
	n, err := s.r.Read(buf)
	if n > 0 {
		c := Chunk{Seq: s.seq, Text: string(buf[:n])}
		s.seq++
		return c, nil
	}
	if err == nil {
		err = io.EOF
	}
	return Chunk{}, err
}
