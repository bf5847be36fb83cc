package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/notegen/internal/domain"
)

func TestPutGetDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("audio-bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), data)

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Get(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "01JUNKREF0000000000000000"))
}

func TestRejectsPathEscapingRefs(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	for _, ref := range []string{"../etc/passwd", "a/b", "", "."} {
		_, err := store.Get(context.Background(), ref)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, ref)
	}
}
