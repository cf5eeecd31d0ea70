package proxy

import "bytes"

// Delimiter terminates every request and response on the wire.
const Delimiter byte = 0x00

// ExtractMessages splits the complete messages off the front of buf and
// returns them with the undelimited remainder. The returned slices alias
// buf.
//
// An empty message (two adjacent delimiters, or a delimiter at the start
// of buf) ends the pass: its delimiter is consumed, nothing is produced for
// it and the bytes after it are returned as the remainder. Callers drain a
// buffer by calling again while a pass made progress.
func ExtractMessages(buf []byte) (msgs [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, Delimiter)
		if i < 0 {
			return msgs, buf
		}
		msg := buf[:i]
		buf = buf[i+1:]
		if len(msg) == 0 {
			return msgs, buf
		}
		msgs = append(msgs, msg)
	}
}
