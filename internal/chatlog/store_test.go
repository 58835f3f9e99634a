package chatlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreSuite(t *testing.T, newStore func(t *testing.T, maxPerPair int) Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("recent is shared by both directions", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.Save(ctx, &Message{ID: "m1", From: "a", To: "b", Content: "hi", ContentType: ContentText, Timestamp: base}))
		require.NoError(t, s.Save(ctx, &Message{ID: "m2", From: "b", To: "a", Content: "hello", ContentType: ContentText, Timestamp: base.Add(time.Second)}))
		require.NoError(t, s.Save(ctx, &Message{ID: "m3", From: "a", To: "c", Content: "other", Timestamp: base.Add(2 * time.Second)}))

		got, err := s.Recent(ctx, "b", "a", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m1", got[0].ID)
		assert.Equal(t, "m2", got[1].ID)
		assert.Equal(t, "hello", got[1].Content)
		assert.Equal(t, "b", got[1].From)
	})

	t.Run("limit keeps the newest in ascending order", func(t *testing.T) {
		s := newStore(t, 0)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Save(ctx, &Message{
				ID:        fmt.Sprintf("m%d", i),
				From:      "a",
				To:        "b",
				Content:   fmt.Sprintf("msg %d", i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}))
		}
		got, err := s.Recent(ctx, "a", "b", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m3", got[0].ID)
		assert.Equal(t, "m4", got[1].ID)
	})

	t.Run("pair is trimmed to the maximum", func(t *testing.T) {
		s := newStore(t, 3)
		for i := 0; i < 6; i++ {
			require.NoError(t, s.Save(ctx, &Message{
				ID:        fmt.Sprintf("m%d", i),
				From:      "a",
				To:        "b",
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}))
		}
		got, err := s.Recent(ctx, "a", "b", 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "m3", got[0].ID)
		assert.Equal(t, "m5", got[2].ID)
	})

	t.Run("unknown pair is empty", func(t *testing.T) {
		s := newStore(t, 0)
		got, err := s.Recent(ctx, "x", "y", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("attachments round trip", func(t *testing.T) {
		s := newStore(t, 0)
		require.NoError(t, s.Save(ctx, &Message{
			ID:          "f1",
			From:        "a",
			To:          "b",
			ContentType: ContentFile,
			Filename:    "invoice.pdf",
			URL:         "/files/invoice.pdf",
			Timestamp:   base,
		}))
		got, err := s.Recent(ctx, "a", "b", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ContentFile, got[0].ContentType)
		assert.Equal(t, "invoice.pdf", got[0].Filename)
		assert.Equal(t, "/files/invoice.pdf", got[0].URL)
	})
}

func TestPairKey(t *testing.T) {
	assert.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
	assert.NotEqual(t, PairKey("a", "b"), PairKey("a", "c"))
	assert.Equal(t, "|a", PairKey("a", ""))
}

func TestContentTypeValid(t *testing.T) {
	for _, c := range []ContentType{ContentText, ContentImage, ContentFile, ContentVoice, ContentVideo, ContentHTML} {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, ContentType("Sticker").Valid())
	assert.False(t, ContentType("").Valid())
}
