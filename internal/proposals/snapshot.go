package proposals

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// snapshotFormatV1 tags a zstd-compressed, deterministically encoded CBOR
// RoomState. The tag is the first byte of every stored snapshot.
const snapshotFormatV1 byte = 1

// ErrInvalidSnapshot indicates a stored room snapshot that cannot be decoded.
var ErrInvalidSnapshot = errors.New("proposals: invalid room snapshot")

var (
	snapshotEncMode cbor.EncMode
	snapshotDecMode cbor.DecMode
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proposals: CBOR encoder initialization failed: " + err.Error())
	}
	snapshotDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("proposals: CBOR decoder initialization failed: " + err.Error())
	}
	snapshotEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("proposals: zstd encoder initialization failed: " + err.Error())
	}
	snapshotDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("proposals: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot serializes a room state for durable storage.
func EncodeSnapshot(state RoomState) ([]byte, error) {
	encoded, err := snapshotEncMode.Marshal(state.Clone())
	if err != nil {
		return nil, err
	}
	output := make([]byte, 1, len(encoded)/2+1)
	output[0] = snapshotFormatV1
	return snapshotEncoder.EncodeAll(encoded, output), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(payload []byte) (RoomState, error) {
	if len(payload) == 0 {
		return RoomState{}, fmt.Errorf("%w: empty", ErrInvalidSnapshot)
	}
	if payload[0] != snapshotFormatV1 {
		return RoomState{}, fmt.Errorf("%w: unknown format %d", ErrInvalidSnapshot, payload[0])
	}
	encoded, err := snapshotDecoder.DecodeAll(payload[1:], nil)
	if err != nil {
		return RoomState{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	var state RoomState
	if err := snapshotDecMode.Unmarshal(encoded, &state); err != nil {
		return RoomState{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return state.Clone(), nil
}
