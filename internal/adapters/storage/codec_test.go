package storage

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCodec_RoundTrip(t *testing.T) {
	plain := []byte(`{"alice":{"xp":10},"bob":{"xp":` + strings.Repeat("9", 200) + `}}`)

	tests := []struct {
		name      string
		compress  bool
		secret    string
		wantMagic []byte
	}{
		{"plain", false, "", []byte("{")},
		{"compressed", true, "", lz4FrameMagic},
		{"encrypted", false, "s3cret", encryptedMagic},
		{"compressed and encrypted", true, "s3cret", encryptedMagic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCodec(tt.compress, tt.secret)
			data, err := c.Encode(plain)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.HasPrefix(data, tt.wantMagic) {
				t.Errorf("Encode() prefix = %x, want %x", data[:4], tt.wantMagic)
			}
			got, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("Decode() = %s", got)
			}
		})
	}
}

func TestCodec_EncryptionIsRandomized(t *testing.T) {
	c := NewCodec(false, "s3cret")
	a, _ := c.Encode([]byte(`{}`))
	b, _ := c.Encode([]byte(`{}`))
	if bytes.Equal(a, b) {
		t.Error("two encodings are identical, nonce reuse")
	}
}

func TestCodec_DecryptFailures(t *testing.T) {
	data, err := NewCodec(false, "right").Encode([]byte(`{"k":1}`))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewCodec(false, "wrong").Decode(data); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong key error = %v, want ErrDecrypt", err)
	}
	if _, err := NewCodec(false, "").Decode(data); !errors.Is(err, ErrDecrypt) {
		t.Errorf("missing key error = %v, want ErrDecrypt", err)
	}

	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := NewCodec(false, "right").Decode(tampered); !errors.Is(err, ErrDecrypt) {
		t.Errorf("tampered error = %v, want ErrDecrypt", err)
	}

	if _, err := NewCodec(false, "right").Decode(data[:10]); !errors.Is(err, ErrDecrypt) {
		t.Errorf("truncated error = %v, want ErrDecrypt", err)
	}
}

func TestCodec_ReadsLegacyPlainFiles(t *testing.T) {
	plain := []byte(`{"alice":1}`)
	got, err := NewCodec(true, "s3cret").Decode(plain)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decode() = %s", got)
	}
}
