package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	key := RunKey("default", "run-1", "report.txt")
	assert.Equal(t, "default/run-1/report.txt", key)

	t.Run("PutAndGet", func(t *testing.T) {
		obj, err := store.Put(ctx, key, []byte("hello"), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, int64(5), obj.Size)
		assert.True(t, strings.HasPrefix(obj.URL, "file://"))

		rc, err := store.Get(ctx, key)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.Put(ctx, key, []byte("again"), "text/plain")
		require.NoError(t, err)

		rc, err := store.Get(ctx, key)
		require.NoError(t, err)
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		assert.Equal(t, "again", string(data))
	})

	t.Run("DeleteAndMissing", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Get(ctx, key)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestRunKeyStaysInsideRoot(t *testing.T) {
	assert.Equal(t, "_/a_b/_", RunKey("..", "a/b", ""))
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(context.Background(), domain.ArtifactConfig{Type: "ftp"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	store, err := New(context.Background(), domain.ArtifactConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: make(map[string][]byte)}
	store := newS3Store(fake, "kestrel-reports", "/runs/", "http://localhost:9000/kestrel-reports")

	obj, err := store.Put(ctx, "default/r1/report.json", []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/kestrel-reports/runs/default/r1/report.json", obj.URL)
	assert.Contains(t, fake.objects, "runs/default/r1/report.json")

	rc, err := store.Get(ctx, "default/r1/report.json")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "{}", string(data))

	require.NoError(t, store.Delete(ctx, "default/r1/report.json"))
	_, err = store.Get(ctx, "default/r1/report.json")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
