package cryptox

import (
	"bytes"
	"io"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New("test-content-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func makePayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

func encrypt(t *testing.T, e *Engine, path string, plaintext []byte) []byte {
	t.Helper()
	r, err := e.EncryptReader(path, bytes.NewReader(plaintext))
	if err != nil {
		t.Fatalf("EncryptReader: %v", err)
	}
	ct, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read ciphertext: %v", err)
	}
	return ct
}

func TestRoundTripAtOffsets(t *testing.T) {
	e := newTestEngine(t)
	plaintext := makePayload(8192)
	ciphertext := encrypt(t, e, "alice/videos/cat.mp4", plaintext)

	if bytes.Equal(plaintext, ciphertext) {
		t.Fatal("ciphertext equals plaintext")
	}

	for _, offset := range []int64{0, 1, 15, 16, 17, 4095, 4096} {
		r, err := e.DecryptReader("alice/videos/cat.mp4", offset, bytes.NewReader(ciphertext[offset:]))
		if err != nil {
			t.Fatalf("offset %d: DecryptReader: %v", offset, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("offset %d: read: %v", offset, err)
		}
		if !bytes.Equal(got, plaintext[offset:]) {
			t.Errorf("offset %d: decrypted tail does not match plaintext", offset)
		}
	}
}

func TestSeekableOverlap(t *testing.T) {
	e := newTestEngine(t)
	plaintext := makePayload(4096)
	ciphertext := encrypt(t, e, "bob/movie.webm", plaintext)

	// Opening independently at R1 < R2 must agree on the overlapping tail.
	offsets := []int64{0, 7, 16, 100, 2048}
	decrypted := make(map[int64][]byte)
	for _, off := range offsets {
		r, err := e.DecryptReader("bob/movie.webm", off, bytes.NewReader(ciphertext[off:]))
		if err != nil {
			t.Fatalf("DecryptReader(%d): %v", off, err)
		}
		decrypted[off], _ = io.ReadAll(r)
	}

	for _, r1 := range offsets {
		for _, r2 := range offsets {
			if r1 >= r2 {
				continue
			}
			tail1 := decrypted[r1][r2-r1:]
			if !bytes.Equal(tail1, decrypted[r2]) {
				t.Errorf("overlap mismatch between opens at %d and %d", r1, r2)
			}
		}
	}
}

func TestDistinctPathsDistinctKeystreams(t *testing.T) {
	e := newTestEngine(t)
	plaintext := makePayload(256)

	ct1 := encrypt(t, e, "alice/a.bin", plaintext)
	ct2 := encrypt(t, e, "alice/b.bin", plaintext)

	if bytes.Equal(ct1, ct2) {
		t.Error("different paths produced identical ciphertext")
	}
}

// The base counter is a pure function of path and secret, so re-encrypting to
// the same path reuses the keystream. That property is load-bearing for
// stateless range opens; this pins it so any change to the derivation is a
// conscious one.
func TestKeystreamDeterministicPerPath(t *testing.T) {
	e := newTestEngine(t)
	p1 := makePayload(128)
	p2 := bytes.Repeat([]byte{0xAA}, 128)

	ct1 := encrypt(t, e, "carol/report.pdf", p1)
	ct2 := encrypt(t, e, "carol/report.pdf", p2)

	// XOR of ciphertexts equals XOR of plaintexts under a reused keystream.
	for i := range ct1 {
		if ct1[i]^ct2[i] != p1[i]^p2[i] {
			t.Fatal("keystream is not deterministic per path")
		}
	}
}

func TestCounterCarry(t *testing.T) {
	e := newTestEngine(t)

	// A large offset must still agree with a sequential decryption. Use an
	// offset deep enough to exercise multi-word counter arithmetic.
	plaintext := makePayload(1 << 16)
	path := "dave/big.mp4"
	ciphertext := encrypt(t, e, path, plaintext)

	const offset = int64(1<<16 - 33)
	r, err := e.DecryptReader(path, offset, bytes.NewReader(ciphertext[offset:]))
	if err != nil {
		t.Fatalf("DecryptReader: %v", err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, plaintext[offset:]) {
		t.Error("decryption at large offset diverged from sequential decryption")
	}
}

func TestNegativeOffsetRejected(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.DecryptReader("x", -1, bytes.NewReader(nil)); err == nil {
		t.Error("expected error for negative offset")
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty secret")
	}
}
