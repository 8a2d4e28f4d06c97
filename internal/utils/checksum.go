package utils

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// DefaultChunkSize is the read size used while hashing
const DefaultChunkSize = 64 * 1024

// Checksum contains the checksums recorded for a payload file
type Checksum struct {
	SHA1   string
	SHA256 string
	Size   int64
}

// CalculateChecksums calculates all checksums for a file in a single pass
func CalculateChecksums(path string) (*Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	multiWriter := io.MultiWriter(sha1Hash, sha256Hash)

	if _, err := io.Copy(multiWriter, f); err != nil {
		return nil, err
	}

	return &Checksum{
		SHA1:   hex.EncodeToString(sha1Hash.Sum(nil)),
		SHA256: hex.EncodeToString(sha256Hash.Sum(nil)),
		Size:   info.Size(),
	}, nil
}

// HashVerifier computes SHA-1 digests over streams in bounded chunks
type HashVerifier struct {
	ChunkSize int
}

// VerifyResult is delivered by VerifyAsync once the stream is consumed
type VerifyResult struct {
	Match  bool
	Digest []byte
	Err    error
}

// Digest reads r until EOF and returns its SHA-1 digest. The context is
// checked between chunks.
func (v HashVerifier) Digest(ctx context.Context, r io.Reader) ([]byte, error) {
	size := v.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	h := sha1.New()
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return h.Sum(nil), nil
}

// Verify reports whether the digest of r equals expected. An empty expected
// digest means no verification was requested and always matches.
func (v HashVerifier) Verify(ctx context.Context, r io.Reader, expected []byte) (bool, error) {
	if len(expected) == 0 {
		return true, nil
	}
	sum, err := v.Digest(ctx, r)
	if err != nil {
		return false, err
	}
	return bytes.Equal(sum, expected), nil
}

// VerifyAsync runs Verify in the background. The returned channel receives
// exactly one result and is then closed.
func (v HashVerifier) VerifyAsync(ctx context.Context, r io.Reader, expected []byte) <-chan VerifyResult {
	out := make(chan VerifyResult, 1)
	go func() {
		defer close(out)
		if len(expected) == 0 {
			out <- VerifyResult{Match: true}
			return
		}
		sum, err := v.Digest(ctx, r)
		if err != nil {
			out <- VerifyResult{Err: err}
			return
		}
		out <- VerifyResult{Match: bytes.Equal(sum, expected), Digest: sum}
	}()
	return out
}

// ParseSHA1 decodes a hex encoded SHA-1 digest. Empty input yields nil.
func ParseSHA1(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
