// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

// maxLengthBytes is the number of bytes the remaining-length field may span.
const maxLengthBytes = 4

// frameSize returns the total size of the packet at the start of buf,
// or 0 if the fixed header is not complete yet. It does not require the
// packet body to be buffered.
func frameSize(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}

	remaining := 0
	multiplier := 1
	for i := 1; i <= maxLengthBytes; i++ {
		if i >= len(buf) {
			return 0, nil
		}
		b := buf[i]
		remaining += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return 1 + i + remaining, nil
		}
		multiplier *= 128
	}

	return 0, ErrMalformedPacket
}
