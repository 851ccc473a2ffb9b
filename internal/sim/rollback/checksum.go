package rollback

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

func checksumWriteU32(h hashWriter, tmp *[8]byte, v uint32) {
	binary.LittleEndian.PutUint32(tmp[:4], v)
	h.Write(tmp[:4])
}

func checksumWriteBytes(h hashWriter, tmp *[8]byte, b []byte) {
	checksumWriteU32(h, tmp, uint32(len(b)))
	h.Write(b)
}

func checksumWriteBag(h hashWriter, tmp *[8]byte, bag []ComponentData) {
	checksumWriteU32(h, tmp, uint32(len(bag)))
	for _, c := range bag {
		checksumWriteBytes(h, tmp, []byte(c.Name))
		checksumWriteBytes(h, tmp, c.Data)
	}
}

// computeChecksum hashes the serialized snapshot. Entities must already be
// sorted by id so the result does not depend on spawn order.
func computeChecksum(s *WorldSnapshot) uint64 {
	h := xxhash.New()
	var tmp [8]byte

	checksumWriteU32(h, &tmp, uint32(len(s.Entities)))
	for _, e := range s.Entities {
		checksumWriteU32(h, &tmp, uint32(e.ID))
		checksumWriteBag(h, &tmp, e.Components)
	}
	checksumWriteBag(h, &tmp, s.Resources)

	return h.Sum64()
}
