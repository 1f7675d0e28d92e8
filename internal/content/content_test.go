package content_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CZERTAINLY/daas/internal/content"
	"github.com/CZERTAINLY/daas/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mx      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestStores(t *testing.T) {
	t.Parallel()

	dir, err := content.NewDir(filepath.Join(t.TempDir(), "samples"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	fake := &fakeS3{}

	var testCases = []struct {
		scenario string
		given    content.Store
	}{
		{"dir", dir},
		{"s3", content.NewS3WithClient(fake, "bucket", "samples/")},
	}

	key := model.HashContent([]byte("MZ")).SHA1
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			ctx := t.Context()
			_, err := tt.given.Get(ctx, key)
			require.ErrorIs(t, err, model.ErrNotFound)

			require.NoError(t, tt.given.Put(ctx, key, []byte("MZ")))
			got, err := tt.given.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, []byte("MZ"), got)

			require.NoError(t, tt.given.Delete(ctx, key))
			require.NoError(t, tt.given.Delete(ctx, key))
			_, err = tt.given.Get(ctx, key)
			require.ErrorIs(t, err, model.ErrNotFound)

			require.Error(t, tt.given.Put(ctx, "../escape", []byte("x")))
		})
	}
	require.Empty(t, fake.objects)
}

func TestNew(t *testing.T) {
	t.Parallel()
	st, err := content.New(t.Context(), nil)
	require.NoError(t, err)
	require.IsType(t, content.Discard{}, st)

	st, err = content.New(t.Context(), &model.Content{Type: model.ContentFS, Dir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &content.Dir{}, st)

	_, err = content.New(t.Context(), &model.Content{Type: "ftp"})
	require.Error(t, err)
}
