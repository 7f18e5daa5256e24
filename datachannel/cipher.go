package datachannel

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pkg/errors"

	"go.storjnode.dev/core/crypto"
)

// plainChunkSize is the amount of plaintext sealed into a single AEAD
// frame. Bounding it keeps memory use flat regardless of shard size and
// keeps a single corrupted frame from discarding an entire transfer.
const plainChunkSize = 64 * 1024

// deriveShardKey turns a data-channel token and the shard hash it is
// bound to into the chacha20poly1305 key both ends of a transfer use to
// encrypt shard bytes in flight. Both ends hold the token before the
// transfer starts (the farmer issued it in a signed CONSIGN or RETRIEVE
// reply) and both know the shard hash, so no further handshake is needed
// to agree on a key. The control frame also sends token and hash in
// clear, so anyone who observes that frame can derive the key.
func deriveShardKey(t Token, hash crypto.Hash160) [chacha20poly1305.KeySize]byte {
	h := sha256.New()
	h.Write([]byte("storjnode/datachannel/shard-key"))
	h.Write([]byte(t))
	h.Write(hash[:])
	var key [chacha20poly1305.KeySize]byte
	copy(key[:], h.Sum(nil))
	return key
}

// encryptingWriter seals plaintext into fixed-size AEAD frames, each
// length-prefixed, as it is written to w. The nonce for frame n is its
// index as an 8-byte little-endian counter, which is safe because a
// key is only ever used for the one transfer it was derived for.
type encryptingWriter struct {
	w       io.Writer
	aead    cipherAEAD
	counter uint64
}

func newEncryptingWriter(w io.Writer, key [chacha20poly1305.KeySize]byte) (*encryptingWriter, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "could not initialise shard cipher")
	}
	return &encryptingWriter{w: w, aead: aead}, nil
}

func (e *encryptingWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := plainChunkSize
		if n > len(p) {
			n = len(p)
		}
		if err := e.writeChunk(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (e *encryptingWriter) writeChunk(plain []byte) error {
	nonce := nonceFor(e.counter)
	e.counter++
	sealed := e.aead.Seal(nil, nonce[:], plain, nil)
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
	if _, err := e.w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "could not write shard frame length")
	}
	if _, err := e.w.Write(sealed); err != nil {
		return errors.Wrap(err, "could not write shard frame")
	}
	return nil
}

// decryptingReader is the read side of encryptingWriter: it reads
// length-prefixed AEAD frames from r and hands back the opened
// plaintext through Read.
type decryptingReader struct {
	r       io.Reader
	aead    cipherAEAD
	counter uint64
	pending []byte
}

func newDecryptingReader(r io.Reader, key [chacha20poly1305.KeySize]byte) (*decryptingReader, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "could not initialise shard cipher")
	}
	return &decryptingReader{r: r, aead: aead}, nil
}

func (d *decryptingReader) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		if err := d.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *decryptingReader) readChunk() error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(d.r, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return errors.New("datachannel: truncated shard frame")
		}
		return err
	}
	size := binary.LittleEndian.Uint32(lenPrefix[:])
	sealed := make([]byte, size)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return errors.Wrap(err, "could not read shard frame")
	}
	nonce := nonceFor(d.counter)
	d.counter++
	plain, err := d.aead.Open(sealed[:0], nonce[:], sealed, nil)
	if err != nil {
		return errors.Wrap(err, "shard frame failed authentication")
	}
	d.pending = plain
	return nil
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], counter)
	return nonce
}

// cipherAEAD is the subset of cipher.AEAD used here, named locally so
// callers don't need the stdlib crypto/cipher import just to hold the
// field.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}
