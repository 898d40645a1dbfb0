package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/dunamismax/photobooth/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	records *store.MemoryRecordStore
	objects *storage.LocalStore
	janitor *Janitor
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		records: store.NewMemoryRecordStore(),
		objects: objects,
		now:     time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	f.janitor = NewJanitor(f.records, f.objects, nil, 0)
	f.janitor.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seed(t *testing.T, id string, age time.Duration) domain.ProcessedImageRecord {
	t.Helper()
	ctx := context.Background()
	rec := domain.ProcessedImageRecord{
		ID:                id,
		OriginalByteSize:  10,
		ProcessedByteSize: 5,
		Format:            domain.FormatJPEG,
		ObjectKey:         storage.ProcessedKey(id, domain.FormatJPEG),
		OutputLocator:     "/api/image/" + id,
		CreatedAt:         f.now.Add(-age),
	}
	require.NoError(t, f.objects.Put(ctx, rec.ObjectKey, []byte("jpeg"), domain.MIMEJPEG))
	require.NoError(t, f.records.Put(ctx, rec))
	return rec
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.seed(t, "old", 25*time.Hour)
	fresh := f.seed(t, "fresh", 23*time.Hour)

	removed, err := f.janitor.Sweep(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.records.Get(ctx, old.ID)
	require.ErrorIs(t, err, store.ErrRecordNotFound)
	_, err = f.objects.Get(ctx, old.ObjectKey)
	require.ErrorIs(t, err, storage.ErrObjectNotFound)

	_, err = f.records.Get(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = f.objects.Get(ctx, fresh.ObjectKey)
	require.NoError(t, err)
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "due", domain.RetentionWindow)
	f.seed(t, "early", time.Hour)

	require.NoError(t, f.janitor.Expire(ctx, "due"))
	_, err := f.records.Get(ctx, "due")
	require.ErrorIs(t, err, store.ErrRecordNotFound)

	require.ErrorIs(t, f.janitor.Expire(ctx, "early"), ErrNotExpired)
	require.NoError(t, f.janitor.Expire(ctx, "missing"))
}

type failingObjects struct {
	storage.ObjectStore
}

func (failingObjects) Delete(context.Context, string) error {
	return errors.New("bucket unavailable")
}

func TestSweepKeepsRecordWhenObjectDeleteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "stuck", 48*time.Hour)
	f.janitor.objects = failingObjects{f.objects}

	removed, err := f.janitor.Sweep(ctx, f.now)
	require.Error(t, err)
	assert.Zero(t, removed)

	_, err = f.records.Get(ctx, "stuck")
	require.NoError(t, err)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old", 30*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.janitor.Run(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := f.records.Get(context.Background(), "old")
		return errors.Is(err, store.ErrRecordNotFound)
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
