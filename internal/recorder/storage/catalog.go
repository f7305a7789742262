package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
)

const (
	DefaultCatalogTimeout = 10 * time.Second
	unknownDate           = "unknown"
)

// Video is one catalog entry as returned by the video API. Fields other
// than created_at are passed through untouched.
type Video map[string]any

// CreatedAt returns the raw created_at string, or "".
func (v Video) CreatedAt() string {
	s, _ := v["created_at"].(string)
	return s
}

// DateGroup holds the videos recorded on one day.
type DateGroup struct {
	Date   string  `json:"date"`
	Videos []Video `json:"videos"`
}

// Lister is anything that can produce the video list.
type Lister interface {
	List(ctx context.Context) ([]Video, error)
}

// CatalogError reports a failed catalog fetch.
type CatalogError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *CatalogError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog %s: status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("catalog %s: %v", e.Source, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// Catalog reads the remote video list.
type Catalog struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewCatalog(url string, timeout time.Duration, logger *zap.Logger) *Catalog {
	if timeout <= 0 {
		timeout = DefaultCatalogTimeout
	}
	return &Catalog{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: camlog.Or(logger, "catalog"),
	}
}

// List fetches the videos, newest first.
func (c *Catalog) List(ctx context.Context) ([]Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &CatalogError{Source: "video-api", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &CatalogError{Source: "video-api", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		c.logger.Error("Failed to fetch videos",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, &CatalogError{Source: "video-api", StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to fetch videos")}
	}

	var videos []Video
	if err := json.NewDecoder(resp.Body).Decode(&videos); err != nil {
		return nil, &CatalogError{Source: "video-api", Err: fmt.Errorf("unexpected API response: %w", err)}
	}
	SortNewestFirst(videos)
	return videos, nil
}

// SortNewestFirst orders by created_at descending. ISO-8601 strings sort
// lexically.
func SortNewestFirst(videos []Video) {
	sort.SliceStable(videos, func(i, j int) bool {
		return videos[i].CreatedAt() > videos[j].CreatedAt()
	})
}

// GroupByDate buckets videos by the first ten characters of created_at.
// Groups are newest first with "unknown" last.
func GroupByDate(videos []Video) []DateGroup {
	index := make(map[string]int)
	var groups []DateGroup
	for _, v := range videos {
		key := unknownDate
		if c := v.CreatedAt(); c != "" {
			key = c[:min(10, len(c))]
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DateGroup{Date: key})
		}
		groups[i].Videos = append(groups[i].Videos, v)
	}

	for i := range groups {
		SortNewestFirst(groups[i].Videos)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Date, groups[j].Date
		if a == unknownDate {
			return false
		}
		if b == unknownDate {
			return true
		}
		return a > b
	})
	if groups == nil {
		groups = []DateGroup{}
	}
	return groups
}
