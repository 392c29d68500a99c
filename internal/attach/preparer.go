// Package attach prepares query attachments: local files are read as-is,
// URLs are fetched and their HTML converted to markdown so the backend
// receives text it can reason over.
package attach

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/sync/semaphore"

	"github.com/user/hivelink/internal/types"
)

// maxFetchBytes caps how much of a remote document is read.
const maxFetchBytes = 2 << 20

// Input names one attachment source: either a local path or a URL.
type Input struct {
	Name string
	Path string
	URL  string
}

// Preparer resolves attachment inputs concurrently, bounded by a semaphore
// so a pile of URLs does not open a pile of sockets.
type Preparer struct {
	client *http.Client
	sem    *semaphore.Weighted
}

// New creates a Preparer allowing at most maxConcurrent in-flight fetches.
func New(maxConcurrent int) *Preparer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Preparer{
		client: &http.Client{Timeout: 30 * time.Second},
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Prepare resolves all inputs and returns one attachment per input, in
// input order. A failed fetch or read yields an attachment with status
// failed rather than dropping it; the caller decides whether to proceed.
func (p *Preparer) Prepare(ctx context.Context, inputs []Input) []types.Attachment {
	out := make([]types.Attachment, len(inputs))
	var wg sync.WaitGroup

	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			if err := p.sem.Acquire(ctx, 1); err != nil {
				out[i] = failed(in)
				return
			}
			defer p.sem.Release(1)
			out[i] = p.resolve(ctx, in)
		}(i, in)
	}

	wg.Wait()
	return out
}

func (p *Preparer) resolve(ctx context.Context, in Input) types.Attachment {
	switch {
	case in.URL != "":
		content, err := p.fetchURL(ctx, in.URL)
		if err != nil {
			slog.Warn("failed to fetch attachment", "url", in.URL, "error", err)
			return failed(in)
		}
		return types.Attachment{
			ID:      types.FileID(types.NewMessageID()),
			Name:    attachmentName(in),
			URL:     in.URL,
			Content: content,
			Status:  types.AttachmentUploaded,
		}
	case in.Path != "":
		data, err := os.ReadFile(in.Path)
		if err != nil {
			slog.Warn("failed to read attachment", "path", in.Path, "error", err)
			return failed(in)
		}
		return types.Attachment{
			ID:      types.FileID(types.NewMessageID()),
			Name:    attachmentName(in),
			Content: string(data),
			Status:  types.AttachmentUploaded,
		}
	default:
		slog.Warn("attachment has neither path nor url", "name", in.Name)
		return failed(in)
	}
}

// fetchURL downloads the document and converts HTML responses to markdown.
// Non-HTML responses are returned verbatim.
func (p *Preparer) fetchURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if isHTML(resp.Header.Get("Content-Type"), body) {
		markdown, err := htmltomarkdown.ConvertString(string(body))
		if err != nil {
			return "", fmt.Errorf("convert html: %w", err)
		}
		return markdown, nil
	}
	return string(body), nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 256)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func attachmentName(in Input) string {
	if in.Name != "" {
		return in.Name
	}
	if in.Path != "" {
		return filepath.Base(in.Path)
	}
	return in.URL
}

func failed(in Input) types.Attachment {
	return types.Attachment{
		ID:     types.FileID(types.NewMessageID()),
		Name:   attachmentName(in),
		URL:    in.URL,
		Status: types.AttachmentFailed,
	}
}
