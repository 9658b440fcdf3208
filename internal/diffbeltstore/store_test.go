package diffbeltstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/diffbelt/internal/collection"
	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/diffengine"
	"github.com/calvinalkan/diffbelt/internal/gc"
	"github.com/calvinalkan/diffbelt/internal/storage"
)

func memEngines(string) (storage.Engine, storage.Engine, storage.Engine) {
	return storage.NewMemEngine(), storage.NewMemEngine(), storage.NewMemEngine()
}

func testGCOptions() gc.Options {
	return gc.Options{BatchSize: 100, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
}

func TestCreateAndGetCollection(t *testing.T) {
	s := New(memEngines, testGCOptions(), CursorOptions{})

	col, err := s.CreateCollection("events", false)
	require.NoError(t, err)
	require.Equal(t, "events", col.Name())

	got, err := s.Get("events")
	require.NoError(t, err)
	require.Same(t, col, got)

	_, err = s.CreateCollection("events", false)
	require.ErrorIs(t, err, diffbelterr.ErrAlreadyExists)
}

func TestListSortsByName(t *testing.T) {
	s := New(memEngines, testGCOptions(), CursorOptions{})

	_, err := s.CreateCollection("zebra", false)
	require.NoError(t, err)
	_, err = s.CreateCollection("apple", true)
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "apple", list[0].Name)
	require.True(t, list[0].IsManual)
	require.Equal(t, "zebra", list[1].Name)
}

func TestDiffReflectsCommittedWrites(t *testing.T) {
	s := New(memEngines, testGCOptions(), CursorOptions{})

	col, err := s.CreateCollection("events", false)
	require.NoError(t, err)

	require.NoError(t, col.PutMany([]collection.Item{{Key: []byte("k1"), Value: []byte("v1")}}, nil, nil))

	res, err := s.Diff("events", diffengine.Request{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "k1", string(res.Items[0].Key))
	require.Equal(t, "v1", string(res.Items[0].ToValue))
}

func TestDropCollectionRefusedWhileReaderPointsAtIt(t *testing.T) {
	s := New(memEngines, testGCOptions(), CursorOptions{})

	_, err := s.CreateCollection("source", false)
	require.NoError(t, err)
	_, err = s.CreateCollection("target", false)
	require.NoError(t, err)

	require.NoError(t, s.Readers().UpdateReader("target", "transform", "source", nil))

	err = s.DropCollection("source")
	require.ErrorIs(t, err, diffbelterr.ErrCollectionInUse)

	require.NoError(t, s.Readers().DeleteReader("target", "transform"))
	require.NoError(t, s.DropCollection("source"))
}

func TestGetUnknownCollectionIsNotFound(t *testing.T) {
	s := New(memEngines, testGCOptions(), CursorOptions{})

	_, err := s.Get("missing")
	require.ErrorIs(t, err, diffbelterr.ErrNotFound)
}
