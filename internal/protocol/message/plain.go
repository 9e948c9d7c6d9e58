package message

import (
	"encoding/binary"

	"mtproto_core/internal/mterr"
)

const plainHeaderSize = 8 + 8 + 4

// EncodePlain frames payload for use before any key exists:
// 8 zero bytes ‖ msg_id ‖ length ‖ payload.
func EncodePlain(msgID int64, payload []byte) []byte {
	frame := make([]byte, plainHeaderSize, plainHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(frame[8:], uint64(msgID))
	binary.LittleEndian.PutUint32(frame[16:], uint32(len(payload)))
	return append(frame, payload...)
}

// DecodePlain parses a frame produced by EncodePlain.
func DecodePlain(frame []byte) (msgID int64, payload []byte, err error) {
	if len(frame) < plainHeaderSize {
		return 0, nil, mterr.Security("plaintext frame too short")
	}
	if !isZeroKeyID(frame[:8]) {
		return 0, nil, mterr.Security("plaintext frame has auth_key_id")
	}
	msgID = int64(binary.LittleEndian.Uint64(frame[8:]))
	n := binary.LittleEndian.Uint32(frame[16:])
	if uint64(n) > uint64(len(frame)-plainHeaderSize) {
		return 0, nil, mterr.Security("plaintext length exceeds frame")
	}
	return msgID, frame[plainHeaderSize : plainHeaderSize+int(n)], nil
}

func isZeroKeyID(id []byte) bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}
