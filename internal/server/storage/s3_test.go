package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket that pages ListObjectsV2 two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	created bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if aws.ToInt64(in.ContentLength) != int64(len(body)) {
		return nil, errors.New("content length mismatch")
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = body
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	body, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := &s3.ListObjectsV2Output{}
	for i, k := range keys {
		if i == 2 {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(keys[1])
			break
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(time.Unix(0, 0)),
		})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.created {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = true
	return &s3.CreateBucketOutput{}, nil
}

// onlyReader hides Seek so Save has to spool.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3Store(fake, "bucket")

	require.NoError(t, store.EnsureReady(ctx))
	assert.True(t, fake.created)

	t.Run("save seekable and streamed bodies", func(t *testing.T) {
		n, err := store.Save(ctx, "a.bin", bytes.NewReader([]byte("seekable")))
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)

		n, err = store.Save(ctx, "b.bin", onlyReader{strings.NewReader("streamed body")})
		require.NoError(t, err)
		assert.Equal(t, int64(13), n)

		assert.Contains(t, fake.objects, "uploads/a.bin")
		assert.Contains(t, fake.objects, "uploads/b.bin")
	})

	t.Run("open existing and missing", func(t *testing.T) {
		rc, size, err := store.Open(ctx, "b.bin")
		require.NoError(t, err)
		defer rc.Close()
		body, _ := io.ReadAll(rc)
		assert.Equal(t, "streamed body", string(body))
		assert.Equal(t, int64(13), size)

		_, _, err = store.Open(ctx, "missing.bin")
		assert.ErrorIs(t, err, ErrObjectNotFound)
	})

	t.Run("list follows pagination", func(t *testing.T) {
		_, err := store.Save(ctx, "c.bin", strings.NewReader("c"))
		require.NoError(t, err)
		fake.objects["elsewhere/d.bin"] = []byte("d")

		objects, err := store.List(ctx)
		require.NoError(t, err)

		var names []string
		for _, o := range objects {
			names = append(names, o.Name)
		}
		assert.ElementsMatch(t, []string{"a.bin", "b.bin", "c.bin"}, names)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "a.bin"))
		assert.NotContains(t, fake.objects, "uploads/a.bin")
		require.NoError(t, store.Delete(ctx, "a.bin"))
	})

	t.Run("rejects invalid names", func(t *testing.T) {
		_, err := store.Save(ctx, "../x", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}
