package upload

import (
	"context"
	"fmt"
	"sync"

	"github.com/andrewtheguy/s3browser-sub001/upload/network"
	"github.com/andrewtheguy/s3browser-sub001/upload/progress"
)

// fakeAuthClient scripts the authorization service.
type fakeAuthClient struct {
	mu sync.Mutex

	beginErr      error
	beginCalls    int
	canonicalKey  string
	partSizeBytes int64

	grantCalls map[int]int
	grantErr   error

	finalizeErr   error
	finalizeCalls int
	finalizedWith []network.CompletedPart

	discardErr   error
	discardCalls int
}

func newFakeAuthClient() *fakeAuthClient {
	return &fakeAuthClient{grantCalls: map[int]int{}}
}

func (c *fakeAuthClient) BeginTransfer(ctx context.Context, request network.BeginRequest) (network.BeginResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginCalls++
	if c.beginErr != nil {
		return network.BeginResponse{}, c.beginErr
	}
	key := request.Key
	if c.canonicalKey != "" {
		key = c.canonicalKey
	}
	return network.BeginResponse{
		TransferID:    "tr-1",
		Key:           key,
		PartSizeBytes: c.partSizeBytes,
	}, nil
}

func (c *fakeAuthClient) AuthorizePart(ctx context.Context, transferID, key string, partNumber int) (network.Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grantErr != nil {
		return network.Grant{}, c.grantErr
	}
	c.grantCalls[partNumber]++
	return network.Grant{
		URL:        fmt.Sprintf("https://storage.example.com/%s/part-%d", transferID, partNumber),
		Method:     "PUT",
		PartNumber: partNumber,
	}, nil
}

func (c *fakeAuthClient) Finalize(ctx context.Context, transferID, key string, parts []network.CompletedPart) (network.FinalizeResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizeCalls++
	c.finalizedWith = append([]network.CompletedPart{}, parts...)
	if c.finalizeErr != nil {
		return network.FinalizeResponse{}, c.finalizeErr
	}
	return network.FinalizeResponse{Confirmed: true, Key: key}, nil
}

func (c *fakeAuthClient) Discard(ctx context.Context, transferID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardCalls++
	return c.discardErr
}

// fakeTransporter uploads parts into memory and can fail scripted attempts
// or block until cancellation.
type fakeTransporter struct {
	mu        sync.Mutex
	attempts  map[int]int
	failUntil map[int]int
	uploaded  map[int][]byte
	started   chan struct{}
	startOnce sync.Once
	blocked   bool
}

func newFakeTransporter() *fakeTransporter {
	return &fakeTransporter{
		attempts:  map[int]int{},
		failUntil: map[int]int{},
		uploaded:  map[int][]byte{},
		started:   make(chan struct{}),
	}
}

func (t *fakeTransporter) Transport(ctx context.Context, grant network.Grant, body []byte, onProgress func(int64)) (string, error) {
	t.startOnce.Do(func() { close(t.started) })

	if t.blocked {
		<-ctx.Done()
		return "", fmt.Errorf("part %d upload cancelled: %w", grant.PartNumber, ctx.Err())
	}

	t.mu.Lock()
	t.attempts[grant.PartNumber]++
	attempt := t.attempts[grant.PartNumber]
	failUntil := t.failUntil[grant.PartNumber]
	if attempt <= failUntil {
		t.mu.Unlock()
		return "", fmt.Errorf("do request: connection reset")
	}
	t.uploaded[grant.PartNumber] = append([]byte{}, body...)
	t.mu.Unlock()

	if onProgress != nil {
		onProgress(int64(len(body)))
	}
	return fmt.Sprintf("\"etag-%d\"", grant.PartNumber), nil
}

func (t *fakeTransporter) attemptCount(partNumber int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[partNumber]
}

func (t *fakeTransporter) uploadedParts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]int, 0, len(t.uploaded))
	for n := range t.uploaded {
		parts = append(parts, n)
	}
	return parts
}

// fakeStore is an in-memory progress.Store.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]progress.Record
	puts    int
	putErr  error
	// allowPuts lets the first N puts through before putErr applies, so
	// tests can fail persistence mid-transfer.
	allowPuts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]progress.Record{}}
}

func (s *fakeStore) Put(ctx context.Context, record progress.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil && s.puts >= s.allowPuts {
		return s.putErr
	}
	s.puts++
	s.records[record.PersistenceID] = record.Clone()
	return nil
}

func (s *fakeStore) Get(ctx context.Context, persistenceID string) (progress.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, found := s.records[persistenceID]
	if !found {
		return progress.Record{}, false, nil
	}
	return record.Clone(), true, nil
}

func (s *fakeStore) Delete(ctx context.Context, persistenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, persistenceID)
	return nil
}

func (s *fakeStore) get(persistenceID string) (progress.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, found := s.records[persistenceID]
	return record, found
}
