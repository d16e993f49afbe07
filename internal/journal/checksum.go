package journal

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32 of every event field except the
// checksum itself.
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	var num [8]byte

	binary.BigEndian.PutUint64(num[:], e.Seq)
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(e.Timestamp))
	h.Write(num[:])
	for _, s := range []string{string(e.Type), e.Subject, e.RefID} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	h.Write(e.Data)

	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(e Event) bool {
	return e.Checksum == CalculateChecksum(e)
}
