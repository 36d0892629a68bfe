package vault

import "unsafe"

// ZeroizingString wraps decrypted plaintext bytes. Go has no destructors, so
// callers must explicitly defer Close at the point of use; Close overwrites
// the backing buffer with zeroes, matching the zero-on-drop pattern used
// elsewhere in this codebase for ephemeral key material.
type ZeroizingString struct {
	buf []byte
}

func newZeroizingString(plaintext []byte) *ZeroizingString {
	return &ZeroizingString{buf: plaintext}
}

// String returns the plaintext as a string that aliases the internal
// buffer's backing array via unsafe.String, rather than copying it the way
// a plain string(z.buf) conversion would — Close must scrub the exact
// memory this string's bytes live in, not a copy of it. The returned
// string is only valid until Close is called.
func (z *ZeroizingString) String() string {
	if z == nil || len(z.buf) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(z.buf), len(z.buf))
}

// Close zeroes the backing buffer. Safe to call multiple times.
func (z *ZeroizingString) Close() {
	if z == nil {
		return
	}
	for i := range z.buf {
		z.buf[i] = 0
	}
}
