package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves a policy document published at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// PDFTextExtractor pulls text out of a PDF document.
type PDFTextExtractor interface {
	ExtractText(pdf []byte) (string, error)
}

const maxPolicyDocumentBytes = 5 << 20

type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch policy: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxPolicyDocumentBytes {
		return nil, fmt.Errorf("fetch policy: document exceeds %d bytes", maxPolicyDocumentBytes)
	}
	return body, nil
}

// RawPDFText treats the decoded document bytes as text. Deployments that
// import real PDFs plug in a parser.
type RawPDFText struct{}

func (RawPDFText) ExtractText(pdf []byte) (string, error) {
	return string(pdf), nil
}
