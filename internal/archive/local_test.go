package archive

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir)
	require.NoError(t, err)

	key := Key("full:20260201T120000Z", "posts", 200, time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC))
	uri, err := store.Put(context.Background(), key, "application/json", []byte(`{"success":true}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(data))
}

func TestKeyLayout(t *testing.T) {
	key := Key("full:20260201T120000Z", "posts", 41*50, time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC))
	assert.Equal(t, "full_20260201T120000Z/posts/20260201T123000Z-offset002050.json", key)

	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "", "application/json", nil)
	assert.Error(t, err)
}
