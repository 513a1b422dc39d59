package screenshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/color"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), imaging.PNG))
	return buf.Bytes()
}

type evictLog struct {
	mu      sync.Mutex
	ids     []string
	reasons []string
}

func (l *evictLog) record(e Entry, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, e.ID)
	l.reasons = append(l.reasons, reason)
}

func (l *evictLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.ids
	l.ids = nil
	return out
}

func TestStoreDownsizesAndReencodes(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	raw := pngBytes(t, 3000, 1000, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	id, err := c.Store(ctx, raw, 42)
	require.NoError(t, err)

	entry, ok := c.Get(id)
	require.True(t, ok)
	require.Equal(t, FormatJPEG, entry.Format)
	require.Equal(t, 1568, entry.Width)
	require.Less(t, entry.Height, 1568)
	require.Equal(t, 42, entry.Owner)
	require.EqualValues(t, len(raw), entry.OriginalSize)

	encoded, ok := c.GetEncoded(id)
	require.True(t, ok)
	decoded, err := base64.StdEncoding.DecodeString(string(encoded))
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(decoded))
	require.NoError(t, err)
	require.Equal(t, 1568, img.Bounds().Dx())

	blockImg, ok := c.Image(id)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", blockImg.MediaType)
	require.Equal(t, id, blockImg.ScreenshotID)
}

func TestUndecodablePayloadIsKeptCompressed(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	raw := bytes.Repeat([]byte("not an image "), 200)
	id, err := c.Store(context.Background(), raw, 1)
	require.NoError(t, err)

	entry, ok := c.Peek(id)
	require.True(t, ok)
	require.Equal(t, FormatRaw, entry.Format)
	require.Less(t, entry.Size, int64(len(raw)))

	encoded, ok := c.GetEncoded(id)
	require.True(t, ok)
	require.Equal(t, base64.StdEncoding.EncodeToString(raw), string(encoded))
}

func TestEvictsLeastRecentlyUsedByCount(t *testing.T) {
	log := &evictLog{}
	c, err := New(Config{MaxEntries: 3, OnEvict: log.record})
	require.NoError(t, err)
	ctx := context.Background()
	shot := pngBytes(t, 64, 64, color.White)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.Store(ctx, shot, 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, ok := c.Get(ids[0])
	require.True(t, ok)

	d, err := c.Store(ctx, shot, 1)
	require.NoError(t, err)

	require.Equal(t, []string{ids[1]}, log.take())
	require.Equal(t, []string{ReasonCount}, log.reasons)
	require.Equal(t, []string{ids[2], ids[0], d}, c.IDs())
}

func TestEvictsByMemoryAfterCount(t *testing.T) {
	sizer, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()
	shot := pngBytes(t, 200, 120, color.NRGBA{G: 180, A: 255})
	id, err := sizer.Store(ctx, shot, 1)
	require.NoError(t, err)
	entry, _ := sizer.Peek(id)
	size := entry.Size

	log := &evictLog{}
	c, err := New(Config{MaxEntries: 10, MaxMemoryBytes: 3*size + size/2, OnEvict: log.record})
	require.NoError(t, err)
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := c.Store(ctx, shot, 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	stats := c.Stats()
	require.Equal(t, 3, stats.Entries)
	require.Equal(t, 3*size, stats.Bytes)
	require.Equal(t, ids[:2], log.take())
	require.Equal(t, []string{ReasonMemory, ReasonMemory}, log.reasons)
	require.EqualValues(t, 2, stats.Evictions)
}

func TestRejectsEntryLargerThanMemoryLimit(t *testing.T) {
	c, err := New(Config{MaxMemoryBytes: 64})
	require.NoError(t, err)

	_, err = c.Store(context.Background(), pngBytes(t, 300, 300, color.Black), 1)
	require.ErrorIs(t, err, ErrTooLarge)
	require.Zero(t, c.Stats().Entries)
	require.EqualValues(t, 1, c.Stats().Rejected)

	_, err = c.Store(context.Background(), nil, 1)
	require.ErrorIs(t, err, ErrEmpty)
}

// Random stores and reads never push the cache past either bound, and every
// eviction removes whatever was least recently touched at that point.
func TestBoundsAndRecencyUnderRandomLoad(t *testing.T) {
	log := &evictLog{}
	const maxBytes = 40_000
	c, err := New(Config{MaxEntries: 6, MaxMemoryBytes: maxBytes, OnEvict: log.record})
	require.NoError(t, err)
	ctx := context.Background()

	rng := rand.New(rand.NewPCG(7, 11))
	shots := make([][]byte, 4)
	for i := range shots {
		// Noisy images of different sizes give different compressed sizes.
		img := imaging.New(80+60*i, 60+40*i, color.Black)
		for p := 0; p < len(img.Pix); p++ {
			img.Pix[p] = byte(rng.IntN(256))
		}
		var buf bytes.Buffer
		require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
		shots[i] = buf.Bytes()
	}

	var model []string
	for step := 0; step < 200; step++ {
		if len(model) > 0 && rng.IntN(3) == 0 {
			id := model[rng.IntN(len(model))]
			_, ok := c.Get(id)
			require.True(t, ok)
			model = slices.DeleteFunc(model, func(s string) bool { return s == id })
			model = append(model, id)
			continue
		}
		id, err := c.Store(ctx, shots[rng.IntN(len(shots))], step%3)
		if err != nil {
			require.ErrorIs(t, err, ErrTooLarge)
			continue
		}
		model = append(model, id)
		evicted := log.take()
		require.Equal(t, model[:len(evicted)], evicted, "step %d", step)
		model = model[len(evicted):]

		stats := c.Stats()
		require.LessOrEqual(t, stats.Entries, 6)
		require.LessOrEqual(t, stats.Bytes, int64(maxBytes))
		require.Equal(t, model, c.IDs())
	}
}

func TestDeleteAndDeleteByOwner(t *testing.T) {
	log := &evictLog{}
	c, err := New(Config{OnEvict: log.record})
	require.NoError(t, err)
	ctx := context.Background()
	shot := pngBytes(t, 32, 32, color.White)

	var owned []string
	for i := 0; i < 6; i++ {
		id, err := c.Store(ctx, shot, 100+i%2)
		require.NoError(t, err)
		if i%2 == 1 {
			owned = append(owned, id)
		}
	}

	require.Equal(t, 3, c.DeleteByOwner(101))
	require.ElementsMatch(t, owned, log.take())
	require.Zero(t, c.DeleteByOwner(101))
	require.Equal(t, 3, c.Stats().Entries)

	first := c.IDs()[0]
	require.True(t, c.Delete(first))
	require.False(t, c.Delete(first))
	_, ok := c.GetEncoded(first)
	require.False(t, ok)

	c.Close()
	require.Zero(t, c.Stats().Entries)
	require.Zero(t, c.Stats().Bytes)
	_, err = c.Store(ctx, shot, 100)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	c, err := New(Config{EncodeConcurrency: 1})
	require.NoError(t, err)
	require.True(t, c.sem.TryAcquire(1))
	defer c.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Store(ctx, []byte("x"), 1)
	require.ErrorIs(t, err, context.Canceled)
}
