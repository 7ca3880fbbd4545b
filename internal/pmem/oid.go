package pmem

import "encoding/binary"

// OID is an opaque persistent pointer: the low half of the owning pool's
// UUID plus the byte offset of the block payload within the mapped file.
type OID struct {
	PoolID uint64
	Off    uint64
}

// OIDNull is the distinguished "no object" value.
var OIDNull = OID{}

// OIDSize is the on-media size of an OID.
const OIDSize = 16

// IsNull reports whether the OID is the null OID.
func (o OID) IsNull() bool {
	return o == OIDNull
}

// PutOID stores an OID at the start of b in little-endian order.
func PutOID(b []byte, o OID) {
	binary.LittleEndian.PutUint64(b[0:8], o.PoolID)
	binary.LittleEndian.PutUint64(b[8:16], o.Off)
}

// GetOID reads an OID from the start of b.
func GetOID(b []byte) OID {
	return OID{
		PoolID: binary.LittleEndian.Uint64(b[0:8]),
		Off:    binary.LittleEndian.Uint64(b[8:16]),
	}
}
