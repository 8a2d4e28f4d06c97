package utils

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashVerifierDigest(t *testing.T) {
	data := bytes.Repeat([]byte("pkgupdate"), 10000)
	want := sha1.Sum(data)

	v := HashVerifier{ChunkSize: 7}
	got, err := v.Digest(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, want[:], got)
}

func TestHashVerifierVerify(t *testing.T) {
	data := []byte("hello")
	sum := sha1.Sum(data)
	v := HashVerifier{}

	ok, err := v.Verify(context.Background(), bytes.NewReader(data), sum[:])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), bytes.NewReader([]byte("other")), sum[:])
	require.NoError(t, err)
	assert.False(t, ok)

	// no expected digest means nothing to verify
	ok, err = v.Verify(context.Background(), strings.NewReader("anything"), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashVerifierVerifyAsyncCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := <-HashVerifier{}.VerifyAsync(ctx, strings.NewReader("data"), []byte{1, 2, 3})
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, res.Match)
}

func TestCalculateChecksums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	sums, err := CalculateChecksums(path)
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", sums.SHA1)
	assert.Equal(t, int64(3), sums.Size)

	raw, err := ParseSHA1(sums.SHA1)
	require.NoError(t, err)
	assert.Len(t, raw, 20)
}

func TestCopyChunkedReportsProgress(t *testing.T) {
	var out bytes.Buffer
	var calls []int64
	n, err := CopyChunked(context.Background(), &out, strings.NewReader("0123456789"), 4, func(w int64) {
		calls = append(calls, w)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, []int64{4, 8, 10}, calls)
	assert.Equal(t, "0123456789", out.String())
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "file.xml")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestIsWithin(t *testing.T) {
	root := filepath.FromSlash("/tmp/root")
	assert.True(t, IsWithin(root, root))
	assert.True(t, IsWithin(root, filepath.Join(root, "a", "b")))
	assert.False(t, IsWithin(root, filepath.FromSlash("/tmp/other")))
	assert.False(t, IsWithin(root, filepath.Join(root, "..", "x")))
	assert.True(t, IsWithin(root, filepath.Join(root, "..foo")))
}

func TestParseXMLNode(t *testing.T) {
	node, err := ParseXMLNode([]byte(`<Root a="1"><Name> foo </Name><Item>x</Item><Item>y</Item></Root>`))
	require.NoError(t, err)
	assert.Equal(t, "Root", node.Name())
	v, ok := node.Attr("b", "a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, "foo", node.ChildText("Name"))
	assert.Len(t, node.Children("Item"), 2)
	assert.Nil(t, node.Child("Missing"))
}

func TestMaybeGzipDecompress(t *testing.T) {
	plain := []byte("<Updates/>")
	out, err := MaybeGzipDecompress(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	gz, err := GzipCompress(plain)
	require.NoError(t, err)
	out, err = MaybeGzipDecompress(gz)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}
