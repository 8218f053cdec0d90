package framesource

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/tendant/simple-snapshot-pipeline/pkg/pipeline"
)

// maxPPMDimension rejects headers that would allocate absurd buffers
const maxPPMDimension = 16384

// ppmReader splits a concatenated stream of binary PPM (P6) images into frames
type ppmReader struct {
	r *bufio.Reader
}

func newPPMReader(r io.Reader) *ppmReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<20)
	}
	return &ppmReader{r: br}
}

// Next returns the next frame. io.EOF means the stream ended cleanly between frames.
func (p *ppmReader) Next() (*pipeline.RawFrame, error) {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(p.r, magic); err != nil {
		return nil, err
	}
	if magic[0] != 'P' || magic[1] != '6' {
		return nil, fmt.Errorf("unsupported PPM magic %q", magic)
	}

	width, err := p.readHeaderInt()
	if err != nil {
		return nil, fmt.Errorf("PPM width: %w", err)
	}
	height, err := p.readHeaderInt()
	if err != nil {
		return nil, fmt.Errorf("PPM height: %w", err)
	}
	maxval, err := p.readHeaderInt()
	if err != nil {
		return nil, fmt.Errorf("PPM maxval: %w", err)
	}

	if width <= 0 || height <= 0 || width > maxPPMDimension || height > maxPPMDimension {
		return nil, fmt.Errorf("PPM dimensions out of range: %dx%d", width, height)
	}
	if maxval <= 0 || maxval > 255 {
		return nil, fmt.Errorf("unsupported PPM maxval %d", maxval)
	}

	pix := make([]byte, width*height*3)
	if _, err := io.ReadFull(p.r, pix); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("PPM pixel data: %w", err)
	}

	return &pipeline.RawFrame{
		Pix:    pix,
		Width:  width,
		Height: height,
		Format: pipeline.RGB24,
	}, nil
}

// readHeaderInt reads one decimal header field and the single whitespace byte after it
func (p *ppmReader) readHeaderInt() (int, error) {
	c, err := p.skipSpaceAndComments()
	if err != nil {
		return 0, err
	}
	if !isDigit(c) {
		return 0, fmt.Errorf("unexpected byte %q in header", c)
	}

	n := int(c - '0')
	for {
		c, err = p.r.ReadByte()
		if err != nil {
			return 0, noEOF(err)
		}
		switch {
		case isDigit(c):
			n = n*10 + int(c-'0')
			if n > 1<<20 {
				return 0, errors.New("header value too large")
			}
		case isSpace(c):
			return n, nil
		default:
			return 0, fmt.Errorf("unexpected byte %q in header", c)
		}
	}
}

func (p *ppmReader) skipSpaceAndComments() (byte, error) {
	for {
		c, err := p.r.ReadByte()
		if err != nil {
			return 0, noEOF(err)
		}
		if c == '#' {
			if _, err := p.r.ReadString('\n'); err != nil {
				return 0, noEOF(err)
			}
			continue
		}
		if isSpace(c) {
			continue
		}
		return c, nil
	}
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}
