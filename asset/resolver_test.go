package asset

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/timzifer/wearsync/runtime/records"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func resolveSync(t *testing.T, r *Resolver, ref records.AssetReference) Result {
	t.Helper()
	ch := make(chan Result, 1)
	r.Resolve(context.Background(), ref, func(res Result) { ch <- res })
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not complete")
		return Result{}
	}
}

func TestResolveDecodesImage(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := records.NewHub()
	phone := hub.Endpoint("phone")
	watch := hub.Endpoint("watch")
	require.NoError(t, phone.Dial(context.Background(), nil))
	defer phone.Close()
	require.NoError(t, watch.Dial(context.Background(), nil))
	defer watch.Close()

	ref, err := phone.CreateAsset(context.Background(), pngBytes(t))
	require.NoError(t, err)

	r := New(watch)
	res := resolveSync(t, r, ref)
	require.NoError(t, res.Err)
	require.Equal(t, ref, res.Ref)
	require.Equal(t, image.Rect(0, 0, 4, 4), res.Image.Bounds())
	r.Wait()
}

func TestResolveInvalidReference(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := records.NewHub()
	watch := hub.Endpoint("watch")
	require.NoError(t, watch.Dial(context.Background(), nil))
	defer watch.Close()

	r := New(watch)
	res := resolveSync(t, r, records.AssetReference{})
	require.ErrorIs(t, res.Err, ErrInvalidReference)

	res = resolveSync(t, r, records.AssetReference{ID: "unknown"})
	require.ErrorIs(t, res.Err, ErrInvalidReference)
	require.ErrorIs(t, res.Err, records.ErrUnknownAsset)
	r.Wait()
}

func TestResolveDecodeFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := records.NewHub()
	phone := hub.Endpoint("phone")
	watch := hub.Endpoint("watch")
	require.NoError(t, phone.Dial(context.Background(), nil))
	defer phone.Close()
	require.NoError(t, watch.Dial(context.Background(), nil))
	defer watch.Close()

	ref, err := phone.CreateAsset(context.Background(), []byte("definitely not an image"))
	require.NoError(t, err)

	res := resolveSync(t, New(watch), ref)
	require.ErrorIs(t, res.Err, ErrDecodeFailed)
	var aerr *Error
	require.True(t, errors.As(res.Err, &aerr))
	require.Equal(t, DecodeFailed, aerr.Kind)
	require.Equal(t, ref, aerr.Ref)
}

func TestResolveTimesOutWhileDisconnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	watch := records.NewHub().Endpoint("watch")
	r := New(watch, WithTimeout(80*time.Millisecond), WithBackoff(5*time.Millisecond, 20*time.Millisecond))

	start := time.Now()
	res := resolveSync(t, r, records.AssetReference{ID: "abc"})
	require.ErrorIs(t, res.Err, ErrConnectionTimeout)
	require.ErrorIs(t, res.Err, records.ErrNotConnected)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestResolveWaitsForConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := records.NewHub()
	phone := hub.Endpoint("phone")
	watch := hub.Endpoint("watch")
	require.NoError(t, phone.Dial(context.Background(), nil))
	defer phone.Close()
	ref, err := phone.CreateAsset(context.Background(), pngBytes(t))
	require.NoError(t, err)

	r := New(watch, WithBackoff(5*time.Millisecond, 10*time.Millisecond))
	ch := make(chan Result, 1)
	r.Resolve(context.Background(), ref, func(res Result) { ch <- res })

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, watch.Dial(context.Background(), nil))
	defer watch.Close()

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Image)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve did not complete after reconnect")
	}
}

type countingStore struct {
	records.Store
	active atomic.Int32
	peak   atomic.Int32
}

func (c *countingStore) ResolveAsset(ctx context.Context, ref records.AssetReference) ([]byte, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return nil, records.ErrUnknownAsset
}

func TestResolveBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &countingStore{}
	r := New(store, WithWorkers(2))
	done := make(chan struct{}, 6)
	for i := 0; i < 6; i++ {
		r.Resolve(context.Background(), records.AssetReference{ID: "x"}, func(Result) { done <- struct{}{} })
	}
	r.Wait()
	require.Len(t, done, 6)
	require.LessOrEqual(t, store.peak.Load(), int32(2))
}
