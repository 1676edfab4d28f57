// Package codec implements wire encoding and decoding for the protocol stack.
package codec

// checksumAdd accumulates data into a one's-complement sum (RFC 1071).
func checksumAdd(sum uint32, data []byte) uint32 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

// checksumFold folds the carries and returns the complemented sum.
func checksumFold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// InternetChecksum computes the RFC 1071 checksum over data. Verifying a
// block that embeds its own checksum field yields zero.
func InternetChecksum(data []byte) uint16 {
	return checksumFold(checksumAdd(0, data))
}
