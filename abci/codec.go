// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package abci

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	cmtabci "github.com/cometbft/cometbft/abci/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single message on the wire
const DefaultMaxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrNoWireForm    = errors.New("message has no wire form")
)

// Field numbers of the snapshot requests in the engine's Request oneof
var snapshotFields = map[protowire.Number]Kind{
	12: KindListSnapshots,
	13: KindOfferSnapshot,
	14: KindLoadSnapshotChunk,
	15: KindApplySnapshotChunk,
}

// WriteRequest writes a single request as a length delimited protobuf
// message, the framing of the consensus engine's socket protocol
func WriteRequest(w io.Writer, req Request) error {
	pb, err := encodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", req.Kind(), err)
	}
	return cmtabci.WriteMessage(pb, w)
}

// WriteResponse writes a single response in the same framing
func WriteResponse(w io.Writer, resp Response) error {
	pb, err := encodeResponse(resp)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", resp.Kind(), err)
	}
	return cmtabci.WriteMessage(pb, w)
}

func readFrame(r *bufio.Reader, maxSize uint64) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadRequest reads a single framed request. It returns io.EOF if the
// stream ended cleanly between frames. A snapshot request whose body does
// not decode is still returned, with an empty body, so it gets its default
// answer
func ReadRequest(r *bufio.Reader, maxSize uint64) (Request, error) {
	buf, err := readFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var pb cmtabci.Request
	if err := pb.Unmarshal(buf); err != nil {
		if kind, ok := snapshotKind(buf); ok {
			return emptySnapshotRequest(kind), nil
		}
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return decodeRequest(&pb)
}

// ReadResponse reads a single framed response
func ReadResponse(r *bufio.Reader, maxSize uint64) (Response, error) {
	buf, err := readFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var pb cmtabci.Response
	if err := pb.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return decodeResponse(&pb)
}

func snapshotKind(buf []byte) (Kind, bool) {
	num, _, n := protowire.ConsumeTag(buf)
	if n < 0 {
		return 0, false
	}
	kind, ok := snapshotFields[num]
	return kind, ok
}

func emptySnapshotRequest(kind Kind) Request {
	switch kind {
	case KindListSnapshots:
		return &RequestListSnapshots{}
	case KindOfferSnapshot:
		return &RequestOfferSnapshot{}
	case KindLoadSnapshotChunk:
		return &RequestLoadSnapshotChunk{}
	default:
		return &RequestApplySnapshotChunk{}
	}
}
