package cascache

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeSHA256(t *testing.T) {
	d := SHA256.Compute([]byte{})
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", d.Hash)
	require.Equal(t, int64(0), d.SizeBytes)
}

func TestComputeSHA1(t *testing.T) {
	d := SHA1.Compute([]byte("abc"))
	require.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", d.Hash)
	require.Equal(t, int64(3), d.SizeBytes)
}

func TestComputeBLAKE3(t *testing.T) {
	d := BLAKE3.Compute([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", d.Hash)
}

func TestComputeReaderMatchesCompute(t *testing.T) {
	data := strings.Repeat("content-addressable ", 1000)
	for _, f := range []HashFunction{SHA256, SHA1, BLAKE3} {
		t.Run(string(f), func(t *testing.T) {
			got, err := f.ComputeReader(strings.NewReader(data))
			require.NoError(t, err)
			require.Equal(t, f.Compute([]byte(data)), got)
			require.NoError(t, got.Validate(f))
		})
	}
}

func TestHashingReader(t *testing.T) {
	hr := SHA256.NewHashingReader(strings.NewReader("hello"))
	buf := make([]byte, 2)
	_, err := hr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, int64(2), hr.BytesRead())
	require.Equal(t, SHA256.Compute([]byte("he")), hr.Sum())
}

func TestParseHashFunction(t *testing.T) {
	f, err := ParseHashFunction("SHA1")
	require.NoError(t, err)
	require.Equal(t, SHA1, f)

	f, err = ParseHashFunction("")
	require.NoError(t, err)
	require.Equal(t, SHA256, f)

	_, err = ParseHashFunction("md5")
	require.Error(t, err)
}

func TestDigestStringRoundTrip(t *testing.T) {
	d := SHA256.Compute([]byte("round trip"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseDigestInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "abc123"},
		{"empty hash", "/12"},
		{"bad size", "abc/xyz"},
		{"negative size", "abc/-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDigest(tt.input)
			require.ErrorIs(t, err, ErrInvalidDigest)
		})
	}
}

func TestDigestValidate(t *testing.T) {
	valid := SHA256.Compute([]byte("x"))

	tests := []struct {
		name    string
		digest  Digest
		fn      HashFunction
		wantErr bool
	}{
		{"valid", valid, SHA256, false},
		{"wrong function length", valid, SHA1, true},
		{"uppercase", Digest{Hash: strings.ToUpper(valid.Hash), SizeBytes: 1}, SHA256, true},
		{"negative size", Digest{Hash: valid.Hash, SizeBytes: -1}, SHA256, true},
		{"non hex", Digest{Hash: strings.Repeat("zz", 32), SizeBytes: 1}, SHA256, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.digest.Validate(tt.fn)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDigest)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDigestMismatchErrorIs(t *testing.T) {
	var err error = &DigestMismatchError{
		Expected: SHA256.Compute([]byte("a")),
		Actual:   SHA256.Compute([]byte("b")),
	}
	require.True(t, errors.Is(err, ErrDigestMismatch))
	require.Contains(t, err.Error(), "expected")
}
