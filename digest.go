// Package cascache holds the digest types shared by the cache packages.
package cascache

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is a supported REAPI digest function, not used for security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// HashFunction identifies the digest function used to address content.
type HashFunction string

const (
	SHA256 HashFunction = "sha256"
	SHA1   HashFunction = "sha1"
	BLAKE3 HashFunction = "blake3"
)

// ParseHashFunction parses a hash function name. Names are case-insensitive.
func ParseHashFunction(s string) (HashFunction, error) {
	switch f := HashFunction(strings.ToLower(s)); f {
	case SHA256, SHA1, BLAKE3:
		return f, nil
	case "":
		return SHA256, nil
	default:
		return "", fmt.Errorf("unsupported hash function %q", s)
	}
}

// New returns a fresh hasher for the function.
func (f HashFunction) New() hash.Hash {
	switch f {
	case SHA1:
		return sha1.New() //nolint:gosec // see import
	case BLAKE3:
		return blake3.New()
	default:
		return sha256.New()
	}
}

// HexLen returns the length of a hex-encoded hash produced by the function.
func (f HashFunction) HexLen() int {
	switch f {
	case SHA1:
		return sha1.Size * 2
	default:
		return 32 * 2
	}
}

// Compute returns the digest of data.
func (f HashFunction) Compute(data []byte) Digest {
	h := f.New()
	_, _ = h.Write(data)
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: int64(len(data))}
}

// ComputeReader returns the digest of everything read from r.
func (f HashFunction) ComputeReader(r io.Reader) (Digest, error) {
	hr := f.NewHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Digest{}, fmt.Errorf("hashing content: %w", err)
	}
	return hr.Sum(), nil
}

// Digest identifies content by its hash and declared length.
type Digest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewDigest creates a digest from a hex hash and size.
func NewDigest(hash string, size int64) Digest {
	return Digest{Hash: hash, SizeBytes: size}
}

// String returns the canonical "hash/size" form.
func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

// ShortString returns a shortened form for display.
func (d Digest) ShortString() string {
	if len(d.Hash) <= 12 {
		return d.String()
	}
	return d.Hash[:12] + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

// Dir returns the first two characters of the hash, used for sharding.
func (d Digest) Dir() string {
	if len(d.Hash) < 2 {
		return "00"
	}
	return d.Hash[:2]
}

// IsZero reports whether the digest is uninitialised.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Validate checks the digest is well formed for the hash function.
func (d Digest) Validate(f HashFunction) error {
	if d.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidDigest, d.SizeBytes)
	}
	if len(d.Hash) != f.HexLen() {
		return fmt.Errorf("%w: expected %d hex chars for %s, got %d", ErrInvalidDigest, f.HexLen(), f, len(d.Hash))
	}
	for i := 0; i < len(d.Hash); i++ {
		c := d.Hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: non lowercase-hex hash %q", ErrInvalidDigest, d.Hash)
		}
	}
	return nil
}

// ParseDigest parses the "hash/size" form produced by String.
func ParseDigest(s string) (Digest, error) {
	hashStr, sizeStr, ok := strings.Cut(s, "/")
	if !ok || hashStr == "" {
		return Digest{}, fmt.Errorf("%w: %q is not hash/size", ErrInvalidDigest, s)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: invalid size in %q", ErrInvalidDigest, s)
	}
	if size < 0 {
		return Digest{}, fmt.Errorf("%w: negative size in %q", ErrInvalidDigest, s)
	}
	return Digest{Hash: strings.ToLower(hashStr), SizeBytes: size}, nil
}

// HashingReader wraps a reader and computes the digest as data is read.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader creates a reader that hashes data with f as it is read.
func (f HashFunction) NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: f.New()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all data read so far.
func (hr *HashingReader) Sum() Digest {
	return Digest{Hash: hex.EncodeToString(hr.h.Sum(nil)), SizeBytes: hr.n}
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
