package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestNewArchiver_RequiresSettings(t *testing.T) {
	_, err := NewArchiver(Config{Region: "ru-central1", AccessKey: "a", SecretKey: "b"})
	require.Error(t, err)

	a, err := NewArchiver(Config{Bucket: "finbot", Region: "ru-central1", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "campaigns", a.cfg.Prefix)
}

func TestArchiver_Store(t *testing.T) {
	fake := &fakePutter{}
	a := &Archiver{cfg: Config{Bucket: "finbot", Prefix: "/campaigns/"}, client: fake}

	at := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("MSK", 3*3600))
	key, err := a.Store(context.Background(), []byte(`{"kind":"wow_moment"}`), at)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "campaigns/2026/03/02/"), key)
	assert.True(t, strings.HasSuffix(key, ".json"), key)
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "finbot", aws.ToString(fake.inputs[0].Bucket))
	assert.Equal(t, key, aws.ToString(fake.inputs[0].Key))
	assert.Equal(t, "application/json", aws.ToString(fake.inputs[0].ContentType))
	assert.Equal(t, `{"kind":"wow_moment"}`, fake.bodies[0])
}

func TestArchiver_StoreErrors(t *testing.T) {
	a := &Archiver{cfg: Config{Bucket: "finbot", Prefix: "campaigns"}, client: &fakePutter{err: errors.New("denied")}}

	_, err := a.Store(context.Background(), nil, time.Now())
	require.Error(t, err)

	_, err = a.Store(context.Background(), []byte("{}"), time.Now())
	require.ErrorContains(t, err, "denied")
}
