package cascache

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes plain blobs from directory messages.
type Kind uint8

const (
	KindBlob Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "blob"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "blob":
		*k = KindBlob
	case "directory":
		*k = KindDirectory
	default:
		return fmt.Errorf("unknown kind %q", b)
	}
	return nil
}

const (
	// StoragePrefix is the backend prefix holding published entries.
	StoragePrefix = "cas"

	dirSuffix = "_dir"
)

// StorageKey returns the backend key for an entry.
// Format: cas/{hash[:2]}/{hash}_{size}[_dir]
func StorageKey(d Digest, kind Kind) string {
	name := d.Hash + "_" + strconv.FormatInt(d.SizeBytes, 10)
	if kind == KindDirectory {
		name += dirSuffix
	}
	return StoragePrefix + "/" + d.Dir() + "/" + name
}

// ParseStorageKey extracts the digest and kind encoded in a backend key.
// The shard directory must match the hash prefix.
func ParseStorageKey(key string) (Digest, Kind, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != StoragePrefix {
		return Digest{}, KindBlob, fmt.Errorf("invalid storage key format: %s", key)
	}

	name := parts[2]
	kind := KindBlob
	if trimmed, ok := strings.CutSuffix(name, dirSuffix); ok {
		name = trimmed
		kind = KindDirectory
	}

	hash, sizeStr, ok := strings.Cut(name, "_")
	if !ok || hash == "" {
		return Digest{}, KindBlob, fmt.Errorf("invalid storage key name: %s", key)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return Digest{}, KindBlob, fmt.Errorf("invalid size in storage key: %s", key)
	}

	d := Digest{Hash: hash, SizeBytes: size}
	if parts[1] != d.Dir() {
		return Digest{}, KindBlob, fmt.Errorf("storage key shard does not match hash: %s", key)
	}
	return d, kind, nil
}
