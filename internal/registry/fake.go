package registry

import (
	"context"
	"sync"
)

// Upload is one recorded FakeClient upload.
type Upload struct {
	Meta    Metadata
	Archive []byte
	Token   string
}

// FakeClient is an in-memory Client for tests. Uploaded versions become
// visible after VisibleAfter further Published calls.
type FakeClient struct {
	mu           sync.Mutex
	published    map[string]bool
	pending      map[string]int
	uploads      []Upload
	lookups      int
	UploadErr    error
	LookupErr    error
	VisibleAfter int
	// Never makes uploaded versions stay invisible.
	Never bool
}

// NewFakeClient creates an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{published: map[string]bool{}, pending: map[string]int{}}
}

func key(name, version string) string {
	return name + "@" + version
}

// SetPublished marks name@version as already in the index.
func (c *FakeClient) SetPublished(name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[key(name, version)] = true
}

// Published implements Client.
func (c *FakeClient) Published(_ context.Context, name, version string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.LookupErr != nil {
		return false, c.LookupErr
	}
	k := key(name, version)
	if n, ok := c.pending[k]; ok && !c.Never {
		if n <= 0 {
			delete(c.pending, k)
			c.published[k] = true
		} else {
			c.pending[k] = n - 1
		}
	}
	return c.published[k], nil
}

// Upload implements Client.
func (c *FakeClient) Upload(_ context.Context, meta Metadata, archive []byte, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, Upload{Meta: meta, Archive: archive, Token: token})
	if c.UploadErr != nil {
		return c.UploadErr
	}
	c.pending[key(meta.Name, meta.Vers)] = c.VisibleAfter
	return nil
}

// Uploads returns every recorded upload in call order.
func (c *FakeClient) Uploads() []Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Upload(nil), c.uploads...)
}

// Lookups returns the number of Published calls.
func (c *FakeClient) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}
