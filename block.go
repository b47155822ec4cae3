package pathoram

import (
	"encoding/binary"
	"fmt"
)

// blockKind tags a plaintext block encoding as real or dummy, so a dummy
// slot's ciphertext is produced by exactly the same codec path as a real
// one and the two are indistinguishable on the wire.
type blockKind uint8

const (
	kindDummy blockKind = 0
	kindReal  blockKind = 1
)

// Block is a single logical record the client stores on behalf of the
// caller: an id, the leaf it was assigned by the Store that last wrote it,
// and up to Config.BlockSize bytes of data. A Retrieve remaps the id in the
// position map without updating Leaf; eviction reads the position map, not
// this field.
type Block struct {
	ID   int
	Leaf int
	Data []byte
}

// plaintextWidth is the fixed byte length every encoded block occupies
// before encryption, real or dummy alike, so every ciphertext in a bucket
// has equal length.
func plaintextWidth(blockSize int) int {
	return 1 + 8 + 8 + 4 + blockSize // kind + id + leaf + data length + data
}

// encodeBlock produces the canonical fixed-width plaintext for a block.
func encodeBlock(kind blockKind, b Block, blockSize int) ([]byte, error) {
	if len(b.Data) > blockSize {
		return nil, ErrInvalidDataSize
	}
	buf := make([]byte, plaintextWidth(blockSize))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:9], uint64(int64(b.ID)))
	binary.BigEndian.PutUint64(buf[9:17], uint64(int64(b.Leaf)))
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(b.Data)))
	copy(buf[21:], b.Data)
	return buf, nil
}

// decodeBlock is encodeBlock's inverse.
func decodeBlock(buf []byte, blockSize int) (blockKind, Block, error) {
	want := plaintextWidth(blockSize)
	if len(buf) != want {
		return 0, Block{}, fmt.Errorf("pathoram: malformed block encoding: got %d bytes, want %d", len(buf), want)
	}
	kind := blockKind(buf[0])
	id := int64(binary.BigEndian.Uint64(buf[1:9]))
	leaf := int64(binary.BigEndian.Uint64(buf[9:17]))
	dataLen := binary.BigEndian.Uint32(buf[17:21])
	if int(dataLen) > blockSize {
		return 0, Block{}, fmt.Errorf("pathoram: malformed block encoding: data length %d exceeds block size %d", dataLen, blockSize)
	}
	data := make([]byte, dataLen)
	copy(data, buf[21:21+int(dataLen)])
	return kind, Block{ID: int(id), Leaf: int(leaf), Data: data}, nil
}

// dummyBlock is the canonical payload encoded into every filler slot.
func dummyBlock() Block {
	return Block{ID: EmptyBlockID, Leaf: -1}
}
