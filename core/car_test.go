package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestCarRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	var ids []cid.Cid
	var payloads [][]byte
	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf("block payload %d", i))
		id, err := SaveRawBlock(ctx, storage.Blocks, payload)
		require.NoError(t, err)
		ids = append(ids, id)
		payloads = append(payloads, payload)
	}

	var buffer bytes.Buffer
	writer, err := NewCarWriter(&buffer, []cid.Cid{ids[0]})
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, writer.WriteBlock(id, payloads[i]))
	}

	reader, err := NewCarReader(&buffer)
	require.NoError(t, err)
	root, err := reader.SingleRoot()
	require.NoError(t, err)
	require.True(t, root.Equals(ids[0]))

	for i := 0; ; i++ {
		id, data, err := reader.Next()
		if err == io.EOF {
			require.Equal(t, len(ids), i)
			break
		}
		require.NoError(t, err)
		require.True(t, id.Equals(ids[i]), "frame %d order must match write order", i)
		require.Equal(t, payloads[i], data)
	}
}

func TestCarRejectsOversizedFrame(t *testing.T) {
	id, err := CidForBytes(CodecRaw, []byte("x"))
	require.NoError(t, err)
	var buffer bytes.Buffer
	writer, err := NewCarWriter(&buffer, []cid.Cid{id})
	require.NoError(t, err)
	err = writer.WriteBlock(id, make([]byte, MaxCarFrameSize))
	require.ErrorIs(t, err, ErrInternal)
}

func TestCarSingleRootMismatch(t *testing.T) {
	a, err := CidForBytes(CodecRaw, []byte("a"))
	require.NoError(t, err)
	b, err := CidForBytes(CodecRaw, []byte("b"))
	require.NoError(t, err)

	var buffer bytes.Buffer
	_, err = NewCarWriter(&buffer, []cid.Cid{a, b})
	require.NoError(t, err)

	reader, err := NewCarReader(&buffer)
	require.NoError(t, err)
	_, err = reader.SingleRoot()
	require.ErrorIs(t, err, ErrWrongRootCount)
	require.Len(t, reader.Roots(), 2)
}

func TestCarCopesWithIncrementalStream(t *testing.T) {
	reader, writer := io.Pipe()
	id, err := CidForBytes(CodecRaw, []byte("streamed"))
	require.NoError(t, err)

	go func() {
		carWriter, err := NewCarWriter(writer, []cid.Cid{id})
		if err != nil {
			writer.CloseWithError(err)
			return
		}
		// One flush per block: the reader must not depend on seeing the
		// whole stream at once.
		_ = carWriter.WriteBlock(id, []byte("streamed"))
		writer.Close()
	}()

	carReader, err := NewCarReader(reader)
	require.NoError(t, err)
	frameID, data, err := carReader.Next()
	require.NoError(t, err)
	require.True(t, frameID.Equals(id))
	require.Equal(t, []byte("streamed"), data)
	_, _, err = carReader.Next()
	require.ErrorIs(t, err, io.EOF)
}
