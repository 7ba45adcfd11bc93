package storage

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	saltSize      = 16
)

var (
	encryptedMagic = []byte("MKENC1")
	lz4FrameMagic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ErrDecrypt is returned when a snapshot cannot be decrypted with the
// configured key.
var ErrDecrypt = errors.New("failed to decrypt snapshot")

// Codec turns a collection snapshot into file bytes and back. Output is
// optionally lz4 compressed and then sealed with XChaCha20-Poly1305 under a
// PBKDF2 derived key. Decoding detects both layers from their headers, so a
// plain JSON file written before either option was enabled still loads.
type Codec struct {
	compress bool
	secret   []byte

	mu   sync.Mutex
	salt []byte
	keys map[string][]byte
}

// NewCodec creates a codec. An empty secret disables encryption.
func NewCodec(compress bool, secret string) *Codec {
	c := &Codec{compress: compress, keys: make(map[string][]byte)}
	if secret != "" {
		c.secret = []byte(secret)
	}
	return c
}

// Encode applies compression and encryption to plain JSON.
func (c *Codec) Encode(plain []byte) ([]byte, error) {
	out := plain
	if c.compress {
		compressed, err := compressLZ4(out)
		if err != nil {
			return nil, fmt.Errorf("failed to compress snapshot: %w", err)
		}
		out = compressed
	}
	if c.secret != nil {
		sealed, err := c.seal(out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}
	return out, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	out := data
	if bytes.HasPrefix(out, encryptedMagic) {
		if c.secret == nil {
			return nil, fmt.Errorf("%w: snapshot is encrypted and no key is configured", ErrDecrypt)
		}
		opened, err := c.open(out)
		if err != nil {
			return nil, err
		}
		out = opened
	}
	if bytes.HasPrefix(out, lz4FrameMagic) {
		plain, err := decompressLZ4(out)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
		out = plain
	}
	return out, nil
}

func (c *Codec) seal(plain []byte) ([]byte, error) {
	c.mu.Lock()
	if c.salt == nil {
		c.salt = make([]byte, saltSize)
		if _, err := rand.Read(c.salt); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	salt := c.salt
	c.mu.Unlock()

	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(encryptedMagic)+len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, encryptedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, encryptedMagic), nil
}

func (c *Codec) open(data []byte) ([]byte, error) {
	body := data[len(encryptedMagic):]
	if len(body) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: truncated header", ErrDecrypt)
	}
	salt := body[:saltSize]
	nonce := body[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := body[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(c.key(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, sealed, encryptedMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// key derives and caches the key for one salt.
func (c *Codec) key(salt []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[string(salt)]; ok {
		return k
	}
	k := pbkdf2.Key(c.secret, salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
	c.keys[string(salt)] = k
	return k
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
