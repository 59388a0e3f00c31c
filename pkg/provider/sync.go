package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AssetHost stores artifact bytes and returns a URL for them.
type AssetHost interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// completedJobs answers polls for backends whose submit call returns the
// finished artifact. Each adapter instance owns its own store.
type completedJobs struct {
	mu   sync.Mutex
	jobs map[string]Status
}

func newCompletedJobs() *completedJobs {
	return &completedJobs{jobs: make(map[string]Status)}
}

func (c *completedJobs) put(status Status) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.jobs[id] = status
	c.mu.Unlock()
	return id
}

// take returns the stored status once; later polls see NotFound.
func (c *completedJobs) take(id string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.jobs[id]
	if !ok {
		return Status{State: StateNotFound}
	}
	delete(c.jobs, id)
	return status
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
}

func storeArtifact(ctx context.Context, host AssetHost, providerName, model string, data []byte, contentType string) (string, error) {
	if host == nil {
		return "", fmt.Errorf("%s returned inline bytes but no asset host is configured", providerName)
	}
	ext, ok := extensions[contentType]
	if !ok {
		ext = ".bin"
	}
	key := fmt.Sprintf("%s/%s/%s%s", providerName, model, time.Now().UTC().Format("20060102T150405.000000000"), ext)
	return host.Put(ctx, key, contentType, data)
}
