// Package evidence checks customer-supplied evidence URLs before a return is
// authorized.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/pkg/types"
)

const (
	CodeBadScheme          = "EV_001"
	CodeMissingHost        = "EV_002"
	CodeBadURL             = "EV_003"
	CodeBadStatus          = "EV_004"
	CodeTimeout            = "EV_005"
	CodeNetwork            = "EV_006"
	CodeMissingContentType = "EV_007"
	CodeUnknownType        = "EV_008"
	CodeContentType        = "EV_009"
	CodeTooLarge           = "EV_011"
	CodeLowQuality         = "EV_012"
)

const (
	MaxFileBytes    = 10 << 20
	MinImageBytes   = 10 << 10
	DefaultTimeout  = 5 * time.Second
	DefaultAttempts = 3
)

var imageTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp", "image/heic"}

var allowedContentTypes = map[string][]string{
	"photo_packaging": imageTypes,
	"photo_item":      imageTypes,
	"photo_defect":    imageTypes,
	"photo_receipt":   {"image/jpeg", "image/jpg", "image/png", "application/pdf"},
	"video":           {"video/mp4", "video/quicktime", "video/mpeg", "video/webm"},
	"receipt_pdf":     {"application/pdf"},
	"tracking_info":   {"image/jpeg", "image/jpg", "image/png", "application/pdf", "text/plain"},
}

// Result reports per-item problems. Warnings never make a result invalid.
type Result struct {
	Valid    bool
	Errors   []errs.Detail
	Warnings []errs.Detail
}

// Err converts an invalid result into an EvidenceInvalid error.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return errs.New(errs.KindEvidenceInvalid, errs.CodeEvidenceInvalid, "evidence validation failed").WithDetails(r.Errors...)
}

type Validator interface {
	Validate(ctx context.Context, items []types.Evidence) Result
}

// FormatValidator only checks URL syntax and never touches the network.
type FormatValidator struct{}

func (FormatValidator) Validate(_ context.Context, items []types.Evidence) Result {
	var res Result
	for i, item := range items {
		res.Errors = append(res.Errors, checkURL(i, item.URL)...)
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// HTTPValidator sends a HEAD request to each URL and checks status, content
// type and size from the response headers.
type HTTPValidator struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

type Option func(*HTTPValidator)

func WithClient(c *http.Client) Option { return func(v *HTTPValidator) { v.client = c } }
func WithAttempts(n int) Option { return func(v *HTTPValidator) { v.attempts = n } }
func WithBackoff(d time.Duration) Option { return func(v *HTTPValidator) { v.backoff = d } }
func WithLogger(l *slog.Logger) Option { return func(v *HTTPValidator) { v.log = l } }

func NewHTTPValidator(opts ...Option) *HTTPValidator {
	v := &HTTPValidator{
		client:   &http.Client{Timeout: DefaultTimeout},
		attempts: DefaultAttempts,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.attempts <= 0 {
		v.attempts = 1
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v
}

func (v *HTTPValidator) Validate(ctx context.Context, items []types.Evidence) Result {
	var res Result
	for i, item := range items {
		if problems := checkURL(i, item.URL); len(problems) > 0 {
			res.Errors = append(res.Errors, problems...)
			continue
		}
		resp, problem := v.head(ctx, i, item.URL)
		if problem != nil {
			res.Errors = append(res.Errors, *problem)
			continue
		}
		if problem := checkContentType(i, item.Type, resp.Header.Get("Content-Type")); problem != nil {
			res.Errors = append(res.Errors, *problem)
			continue
		}

		size, known := resp.Length, resp.Length >= 0
		if known && size > MaxFileBytes {
			res.Errors = append(res.Errors, errs.Detail{
				Field:      fmt.Sprintf("evidence[%d].url", i),
				Code:       CodeTooLarge,
				Message:    fmt.Sprintf("File size (%.2fMB) exceeds maximum (10MB)", float64(size)/(1<<20)),
				Suggestion: "Compress the file or upload to a CDN that serves optimized versions",
			})
			continue
		}
		if known && strings.HasPrefix(item.Type, "photo_") && size < MinImageBytes {
			res.Warnings = append(res.Warnings, errs.Detail{
				Field:      fmt.Sprintf("evidence[%d].url", i),
				Code:       CodeLowQuality,
				Message:    "Image file size too small (< 10KB), may be low quality",
				Suggestion: "Upload a higher resolution image for better verification",
			})
		}
	}
	res.Valid = len(res.Errors) == 0
	if len(res.Warnings) > 0 {
		v.log.WarnContext(ctx, "evidence quality warnings", "count", len(res.Warnings))
	}
	return res
}

type headResult struct {
	Header http.Header
	// Length is -1 when the server did not report a size.
	Length int64
}

func (v *HTTPValidator) head(ctx context.Context, index int, rawURL string) (headResult, *errs.Detail) {
	field := fmt.Sprintf("evidence[%d].url", index)
	var last *errs.Detail
	for attempt := 0; attempt < v.attempts; attempt++ {
		if attempt > 0 {
			wait := v.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return headResult{}, &errs.Detail{Field: field, Code: CodeTimeout, Message: ctx.Err().Error(), Suggestion: "Retry the request"}
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
		if err != nil {
			return headResult{}, &errs.Detail{Field: field, Code: CodeBadURL, Message: "Invalid URL format", Suggestion: "Provide a valid URL starting with https://"}
		}
		resp, err := v.client.Do(req)
		if err != nil {
			last = networkProblem(field, err)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			last = &errs.Detail{
				Field:      field,
				Code:       CodeBadStatus,
				Message:    fmt.Sprintf("URL returned %s", resp.Status),
				Suggestion: "Ensure the URL is publicly accessible and returns 200 OK",
			}
			continue
		}
		return headResult{Header: resp.Header, Length: resp.ContentLength}, nil
	}
	return headResult{}, last
}

func networkProblem(field string, err error) *errs.Detail {
	if uerr, ok := err.(*url.Error); ok && uerr.Timeout() {
		return &errs.Detail{
			Field:      field,
			Code:       CodeTimeout,
			Message:    "Request timed out",
			Suggestion: "Ensure the URL is accessible and responds quickly",
		}
	}
	return &errs.Detail{
		Field:      field,
		Code:       CodeNetwork,
		Message:    "Network error: " + err.Error(),
		Suggestion: "Ensure the URL is accessible from our servers. Check DNS and network connectivity.",
	}
}

func checkURL(index int, raw string) []errs.Detail {
	field := fmt.Sprintf("evidence[%d].url", index)
	parsed, err := url.Parse(raw)
	if err != nil || raw == "" {
		return []errs.Detail{{Field: field, Code: CodeBadURL, Message: "Invalid URL format", Suggestion: "Provide a valid URL starting with https://"}}
	}
	var out []errs.Detail
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		out = append(out, errs.Detail{Field: field, Code: CodeBadScheme, Message: "URL must use HTTP or HTTPS protocol", Suggestion: "Ensure the URL starts with https:// or http://"})
	}
	if parsed.Hostname() == "" {
		out = append(out, errs.Detail{Field: field, Code: CodeMissingHost, Message: "URL must have a valid hostname", Suggestion: "Provide a complete URL like https://cdn.example.com/image.jpg"})
	}
	return out
}

func checkContentType(index int, evidenceType, header string) *errs.Detail {
	if header == "" {
		return &errs.Detail{
			Field:      fmt.Sprintf("evidence[%d].url", index),
			Code:       CodeMissingContentType,
			Message:    "Content-Type header missing",
			Suggestion: "Ensure the server sends a Content-Type header with the response",
		}
	}
	base := strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))

	allowed, ok := allowedContentTypes[evidenceType]
	if !ok {
		if strings.HasPrefix(base, "image/") || base == "application/pdf" {
			return nil
		}
		return &errs.Detail{
			Field:      fmt.Sprintf("evidence[%d].type", index),
			Code:       CodeUnknownType,
			Message:    "Unknown evidence type: " + evidenceType,
			Suggestion: "Use a supported evidence type: photo_packaging, photo_item, photo_defect, photo_receipt, video, receipt_pdf, tracking_info",
		}
	}
	if !slices.Contains(allowed, base) {
		return &errs.Detail{
			Field:      fmt.Sprintf("evidence[%d].url", index),
			Code:       CodeContentType,
			Message:    fmt.Sprintf("Content-Type %s not allowed for %s", base, evidenceType),
			Suggestion: "Upload one of: " + strings.Join(allowed, ", "),
		}
	}
	return nil
}
