package pagination

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
)

type txn struct {
	id string
	at time.Time
}

func txnKey(t txn) (time.Time, string) { return t.at, t.id }

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 15, 0, 123, time.UTC)
	id := "txn_4be1"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Rejects(t *testing.T) {
	for name, in := range map[string]string{
		"not base64": "not-base64!!!",
		"no pipe":    base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		"no id":      base64.RawURLEncoding.EncodeToString([]byte("123|")),
		"bad time":   base64.RawURLEncoding.EncodeToString([]byte("abc|txn_1")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCursor))
			assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
		})
	}
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, DefaultLimit, Limit("ten"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("100000"))
}

func TestComputePage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []txn{{"d", base.Add(3)}, {"c", base.Add(2)}, {"b", base.Add(1)}, {"a", base}}

	t.Run("has more", func(t *testing.T) {
		page, next, more := ComputePage(items, 3, txnKey)
		assert.Len(t, page, 3)
		assert.True(t, more)
		c, err := Decode(next)
		require.NoError(t, err)
		assert.Equal(t, "b", c.ID)
		assert.Equal(t, base.Add(1), c.CreatedAt)
	})

	t.Run("exact limit", func(t *testing.T) {
		page, next, more := ComputePage(items[:3], 3, txnKey)
		assert.Len(t, page, 3)
		assert.Empty(t, next)
		assert.False(t, more)
	})

	t.Run("short page", func(t *testing.T) {
		page, next, more := ComputePage(items[:2], 5, txnKey)
		assert.Len(t, page, 2)
		assert.Empty(t, next)
		assert.False(t, more)
	})
}
