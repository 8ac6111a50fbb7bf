package core

// Framed block streaming (CAR v1). A stream is a varint-length-prefixed CBOR
// header declaring the root identifiers, followed by frames of
// varint(len) ‖ id ‖ bytes. The writer emits strictly ordered frames and may
// flush after each block; the reader yields frames lazily so both ends cope
// with incrementally produced streams.

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// MaxCarFrameSize bounds a single frame (id + block bytes).
const MaxCarFrameSize = 4 << 20

// CarVersion is the only stream version this codec produces or accepts.
const CarVersion = 1

// ErrWrongRootCount indicates a stream whose header does not carry exactly
// the expected roots.
var ErrWrongRootCount = errors.New("car stream has unexpected root count")

// CarHeader declares the stream version and its root identifiers.
type CarHeader struct {
	Version uint64 `cbor:"version"`
	Roots   []Ref  `cbor:"roots"`
}

//---------------------------------------------------------------------
// Writer
//---------------------------------------------------------------------

// CarWriter frames blocks onto an io.Writer.
type CarWriter struct {
	w io.Writer
}

// NewCarWriter writes the stream header immediately and returns a writer for
// the block frames.
func NewCarWriter(w io.Writer, roots []cid.Cid) (*CarWriter, error) {
	header := CarHeader{Version: CarVersion, Roots: make([]Ref, len(roots))}
	for i, root := range roots {
		header.Roots[i] = NewRef(root)
	}
	encoded, err := EncodeCanonical(header)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(encoded)))); err != nil {
		return nil, fmt.Errorf("%w: write car header: %v", ErrNetwork, err)
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("%w: write car header: %v", ErrNetwork, err)
	}
	return &CarWriter{w: w}, nil
}

// WriteBlock appends one frame to the stream.
func (cw *CarWriter) WriteBlock(id cid.Cid, data []byte) error {
	idBytes := id.Bytes()
	size := len(idBytes) + len(data)
	if size > MaxCarFrameSize {
		return fmt.Errorf("%w: frame for %s is %d bytes (max %d)", ErrInternal, id, size, MaxCarFrameSize)
	}
	if _, err := cw.w.Write(varint.ToUvarint(uint64(size))); err != nil {
		return fmt.Errorf("%w: write frame: %v", ErrNetwork, err)
	}
	if _, err := cw.w.Write(idBytes); err != nil {
		return fmt.Errorf("%w: write frame: %v", ErrNetwork, err)
	}
	if _, err := cw.w.Write(data); err != nil {
		return fmt.Errorf("%w: write frame: %v", ErrNetwork, err)
	}
	return nil
}

//---------------------------------------------------------------------
// Reader
//---------------------------------------------------------------------

// CarReader consumes a framed block stream.
type CarReader struct {
	r      *bufio.Reader
	Header CarHeader
}

// NewCarReader reads and validates the stream header.
func NewCarReader(r io.Reader) (*CarReader, error) {
	br := bufio.NewReader(r)
	size, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: read car header: %v", ErrDecode, err)
	}
	if size > MaxCarFrameSize {
		return nil, fmt.Errorf("%w: car header of %d bytes", ErrDecode, size)
	}
	encoded := make([]byte, size)
	if _, err := io.ReadFull(br, encoded); err != nil {
		return nil, fmt.Errorf("%w: read car header: %v", ErrDecode, err)
	}
	var header CarHeader
	if err := DecodeCanonical(encoded, &header); err != nil {
		return nil, err
	}
	if header.Version != CarVersion {
		return nil, fmt.Errorf("%w: unsupported car version %d", ErrDecode, header.Version)
	}
	return &CarReader{r: br, Header: header}, nil
}

// Roots returns the stream's declared root identifiers.
func (cr *CarReader) Roots() []cid.Cid {
	roots := make([]cid.Cid, len(cr.Header.Roots))
	for i, r := range cr.Header.Roots {
		roots[i] = r.Cid
	}
	return roots
}

// SingleRoot returns the stream's root when the header carries exactly one.
func (cr *CarReader) SingleRoot() (cid.Cid, error) {
	if len(cr.Header.Roots) != 1 {
		return cid.Undef, fmt.Errorf("%w: got %d", ErrWrongRootCount, len(cr.Header.Roots))
	}
	return cr.Header.Roots[0].Cid, nil
}

// Next yields the following frame, or io.EOF at the end of the stream.
func (cr *CarReader) Next() (cid.Cid, []byte, error) {
	size, err := varint.ReadUvarint(cr.r)
	if errors.Is(err, io.EOF) {
		return cid.Undef, nil, io.EOF
	}
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("%w: read frame: %v", ErrDecode, err)
	}
	if size > MaxCarFrameSize {
		return cid.Undef, nil, fmt.Errorf("%w: frame of %d bytes (max %d)", ErrDecode, size, MaxCarFrameSize)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(cr.r, frame); err != nil {
		return cid.Undef, nil, fmt.Errorf("%w: read frame: %v", ErrDecode, err)
	}
	n, id, err := cid.CidFromBytes(frame)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("%w: frame id: %v", ErrDecode, err)
	}
	return id, frame[n:], nil
}
