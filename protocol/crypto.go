package protocol

import (
	"encoding/binary"

	"github.com/tuneinsight/drivacy/field"
	"github.com/tuneinsight/drivacy/prg"
)

// hopMask derives the additive one-time-pad mask party p applies to the
// query at the given nonce. Parties and the client derive the identical
// mask independently from the shared hop key K_p and the query's nonce,
// so stripping it at the party and re-applying it during response
// reconstruction requires no further exchange.
func hopMask(hopKey []byte, nonce uint64) (uint64, error) {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	material := prg.Derive(hopKey, []byte("drivacy/hop-mask"), nb[:])
	stream, err := prg.New(material)
	if err != nil {
		return 0, err
	}
	return stream.FieldElement(), nil
}

// maskSum derives the sum, over hop keys 1..parties-1 (every party that
// re-applies its own mask on the response leg), of that hop's mask for the
// given nonce. The last party never calls ProcessResponse — it resolves
// the table lookup and returns the seed Response directly, so its mask
// never reappears on the wire and must not be part of what the client
// strips back off. This is the value ReconstructResponse subtracts.
func maskSum(hopKeys map[uint32][]byte, parties uint32, nonce uint64) (uint64, error) {
	var total uint64
	for p := uint32(1); p < parties; p++ {
		m, err := hopMask(hopKeys[p], nonce)
		if err != nil {
			return 0, err
		}
		total = field.Add(total, m)
	}
	return total, nil
}
