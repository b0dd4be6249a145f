package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/andrewtheguy/s3browser-sub001/upload/network"
	"github.com/andrewtheguy/s3browser-sub001/upload/progress"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		PartSizeBytes:           10,
		MultipartThresholdBytes: 10,
		Concurrency:             3,
		MaxAttemptsPerPart:      5,
		RetryWaitUnit:           time.Millisecond,
	}
}

func testManager(api *fakeAuthClient, transporter *fakeTransporter, store *fakeStore) *Manager {
	return NewManager(api, transporter, store, testConfig(), log.NewLogger())
}

func sourceOf(size int) *bytes.Reader {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return bytes.NewReader(data)
}

func TestManager_Upload_Multipart(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	// 25 bytes at part size 10 -> parts [0,10) [10,20) [20,25).
	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "photos/sunset.jpg",
		ContentType: "image/jpeg",
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "tr-1", result.TransferID)

	assert.Equal(t, 1, api.beginCalls)
	require.Equal(t, 1, api.finalizeCalls)
	require.Len(t, api.finalizedWith, 3)
	for i, part := range api.finalizedWith {
		assert.Equal(t, i+1, part.PartNumber, "finalize parts must be sorted ascending")
		assert.NotEmpty(t, part.IntegrityTag)
	}

	// Part bytes must match the planner's ranges.
	assert.Len(t, transporter.uploaded[1], 10)
	assert.Len(t, transporter.uploaded[2], 10)
	assert.Len(t, transporter.uploaded[3], 5)

	// Terminal success erases the persisted record.
	_, found := store.get(result.PersistenceID)
	assert.False(t, found)
}

func TestManager_Upload_SinglePartBelowThreshold(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(7),
		SizeInBytes: 7,
		Key:         "docs/note.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// The degenerate path is still one grant + one transport + finalize
	// with exactly one completed part.
	assert.Equal(t, 1, api.beginCalls)
	assert.Equal(t, 1, api.grantCalls[1])
	require.Len(t, api.finalizedWith, 1)
	assert.Equal(t, 1, api.finalizedWith[0].PartNumber)
	assert.Len(t, transporter.uploaded[1], 7)
}

func TestManager_Upload_ZeroByteFile(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      bytes.NewReader(nil),
		SizeInBytes: 0,
		Key:         "empty.bin",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, api.finalizedWith, 1)
	assert.Empty(t, transporter.uploaded[1])
}

func TestManager_Upload_CanonicalKeyWins(t *testing.T) {
	api := newFakeAuthClient()
	api.canonicalKey = "photos/sun-set.jpg"
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "photos/sun set.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "photos/sun-set.jpg", result.Key)
}

func TestManager_Upload_Resume(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	// Parts 1 and 2 of 4 were uploaded before the interruption.
	resume := &progress.Record{
		PersistenceID: "p-1",
		TransferID:    "tr-1",
		Key:           "videos/clip.mp4",
		TotalParts:    4,
		PartSizeBytes: 10,
		CompletedParts: map[int]string{
			1: `"etag-1"`,
			2: `"etag-2"`,
		},
	}

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(35),
		SizeInBytes: 35,
		Resume:      resume,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// Resume never re-registers the transfer and never re-uploads
	// completed parts.
	assert.Equal(t, 0, api.beginCalls)
	scheduled := transporter.uploadedParts()
	sort.Ints(scheduled)
	assert.Equal(t, []int{3, 4}, scheduled)

	require.Len(t, api.finalizedWith, 4)
	assert.Equal(t, `"etag-1"`, api.finalizedWith[0].IntegrityTag)
}

func TestManager_Upload_ResumeProgressIncludesBaseline(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	resume := &progress.Record{
		PersistenceID:  "p-1",
		TransferID:     "tr-1",
		Key:            "videos/clip.mp4",
		TotalParts:     4,
		PartSizeBytes:  10,
		CompletedParts: map[int]string{1: `"a"`, 2: `"b"`},
	}

	var finalLoaded int64
	_, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(35),
		SizeInBytes: 35,
		Resume:      resume,
		OnProgress: func(loaded, total int64) {
			if loaded > finalLoaded {
				finalLoaded = loaded
			}
			assert.Equal(t, int64(35), total)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(35), finalLoaded)
}

func TestManager_Upload_TransientRetry(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	transporter.failUntil[2] = 1 // part 2: first attempt fails
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "k",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	assert.Equal(t, 2, transporter.attemptCount(2), "exactly one retry for part 2")
	assert.Equal(t, 2, api.grantCalls[2], "a fresh grant per attempt")
	assert.Equal(t, 1, api.finalizeCalls)
	require.Len(t, api.finalizedWith, 3)
}

func TestManager_Upload_PartialFailureSkipsFinalize(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	transporter.failUntil[2] = 100 // part 2 never succeeds
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "k",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)
	require.NotNil(t, result)
	assert.Equal(t, StatusFailed, result.Status)

	assert.Equal(t, 0, api.finalizeCalls, "finalize must not run with failed parts")
	require.Len(t, result.FailedParts, 1)
	assert.Equal(t, 2, result.FailedParts[0].PartNumber)

	// Succeeded parts stay persisted so the caller can resume.
	record, found := store.get(result.PersistenceID)
	require.True(t, found)
	assert.Contains(t, record.CompletedParts, 1)
	assert.Contains(t, record.CompletedParts, 3)
	assert.NotContains(t, record.CompletedParts, 2)
}

func TestManager_Upload_PersistFailureBlocksCompletion(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	store := newFakeStore()
	store.allowPuts = 1 // the initial record write succeeds
	store.putErr = errors.New("disk full")
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "k",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0, api.finalizeCalls, "unpersisted parts must not count as completed")
}

func TestManager_Upload_PartMismatchOnFinalize(t *testing.T) {
	api := newFakeAuthClient()
	api.finalizeErr = fmt.Errorf("HTTP 409: %w", network.ErrPartMismatch)
	transporter := newFakeTransporter()
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	result, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "k",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, network.ErrPartMismatch)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, api.finalizeCalls, "no automatic finalize retry")

	// State divergence is kept on disk for inspection.
	_, found := store.get(result.PersistenceID)
	assert.True(t, found)
}

func TestManager_Upload_CancelAborts(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	transporter.blocked = true
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-transporter.started
		cancel()
	}()

	result, err := manager.Upload(ctx, Input{
		Source:      sourceOf(50),
		SizeInBytes: 50,
		Key:         "k",
	})
	require.NoError(t, err, "cancellation is a deliberate outcome, not an error")
	require.NotNil(t, result)
	assert.Equal(t, StatusAborted, result.Status)

	assert.Equal(t, 1, api.discardCalls, "discard exactly once")
	assert.Equal(t, 0, api.finalizeCalls)
	_, found := store.get(result.PersistenceID)
	assert.False(t, found, "aborted transfers erase persisted state")
}

func TestManager_Upload_CancelWithPreserveKeepsState(t *testing.T) {
	api := newFakeAuthClient()
	transporter := newFakeTransporter()
	transporter.blocked = true
	store := newFakeStore()
	manager := testManager(api, transporter, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-transporter.started
		cancel()
	}()

	result, err := manager.Upload(ctx, Input{
		Source:           sourceOf(50),
		SizeInBytes:      50,
		Key:              "k",
		PreserveOnCancel: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, result.Status)

	assert.Equal(t, 0, api.discardCalls, "paused transfers keep backend resources")
	_, found := store.get(result.PersistenceID)
	assert.True(t, found, "paused transfers keep their record for resume")
}

func TestManager_Upload_BeginRejected(t *testing.T) {
	api := newFakeAuthClient()
	api.beginErr = fmt.Errorf("HTTP 403: %w", network.ErrAuthRejected)
	manager := testManager(api, newFakeTransporter(), newFakeStore())

	_, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Key:         "k",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, network.ErrAuthRejected)
}

func TestManager_Upload_ResumeRecordMismatch(t *testing.T) {
	manager := testManager(newFakeAuthClient(), newFakeTransporter(), newFakeStore())

	_, err := manager.Upload(context.Background(), Input{
		Source:      sourceOf(25),
		SizeInBytes: 25,
		Resume: &progress.Record{
			TransferID:    "tr-1",
			Key:           "k",
			TotalParts:    9, // disagrees with 25 bytes at part size 10
			PartSizeBytes: 10,
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, network.ErrInvalidRequest)
}

func TestManager_Discard(t *testing.T) {
	api := newFakeAuthClient()
	store := newFakeStore()
	manager := testManager(api, newFakeTransporter(), store)

	record := progress.Record{
		PersistenceID:  "p-1",
		TransferID:     "tr-1",
		Key:            "k",
		TotalParts:     3,
		PartSizeBytes:  10,
		CompletedParts: map[int]string{1: `"a"`},
	}
	require.NoError(t, store.Put(context.Background(), record))

	require.NoError(t, manager.Discard(context.Background(), record))
	assert.Equal(t, 1, api.discardCalls)
	_, found := store.get("p-1")
	assert.False(t, found)
}

func TestManager_Discard_BackendFailureNotEscalated(t *testing.T) {
	api := newFakeAuthClient()
	api.discardErr = errors.New("service unavailable")
	store := newFakeStore()
	manager := testManager(api, newFakeTransporter(), store)

	record := progress.Record{PersistenceID: "p-1", TransferID: "tr-1", Key: "k"}
	require.NoError(t, store.Put(context.Background(), record))

	// The transfer is being abandoned regardless; the record still goes.
	require.NoError(t, manager.Discard(context.Background(), record))
	_, found := store.get("p-1")
	assert.False(t, found)
}
