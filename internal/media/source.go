package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Source fetches byte ranges from the origin media server. It is the
// fallback when no peer advertises a needed part.
type Source struct {
	url    string
	client *http.Client
}

func NewSource(url string) *Source {
	return &Source{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Source) URL() string { return s.url }

// FetchRange issues a ranged GET. The origin answers 206 for a partial
// body, or 200 when it ignores the range header.
func (s *Source) FetchRange(ctx context.Context, byteRange string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin returned %s for range %q", resp.Status, byteRange)
	}
	return io.ReadAll(resp.Body)
}

// LoadIndexFile reads a segment index from a JSON file produced by the
// demuxer. Used by seeding nodes that hold the full file locally.
func LoadIndexFile(path string) (*SegmentIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment index: %w", err)
	}
	var meta SegmentIndex
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse segment index: %w", err)
	}
	return &meta, nil
}
