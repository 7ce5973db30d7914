// Package apiclient is the HTTP transport shared by every backend-facing
// component: bearer credentials, the X-Product-ID scope header, JSON and
// multipart bodies, and classification of failures into internal/errors.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	accerrors "github.com/rcourtman/pagegen/internal/errors"
	"github.com/rcourtman/pagegen/internal/logging"
	"github.com/rcourtman/pagegen/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const (
	HeaderProductID = "X-Product-ID"
	HeaderRequestID = "X-Request-ID"

	maxErrorBodyBytes = 64 << 10
)

// Config describes how to reach the backend.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	VerifyTLS   bool
	Fingerprint string
	UserAgent   string
}

// Client performs authenticated requests against the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// File is an upload carried in a multipart body.
type File struct {
	FieldName string
	FileName  string
	Content   io.Reader
}

// Request describes a single backend call.
type Request struct {
	Op         string // operation name used in errors and logs
	Method     string
	Path       string
	Credential string
	ProductID  string
	JSON       any               // JSON body, mutually exclusive with Fields/File
	Fields     map[string]string // multipart form fields
	File       *File             // multipart upload
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if strings.HasPrefix(base, "http://") {
		log.Debug().Str("base_url", base).Msg("Using plain HTTP for backend connection")
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "pagegen"
	}

	return &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: tlsutil.CreateHTTPClient(cfg.VerifyTLS, cfg.Fingerprint, cfg.Timeout),
		userAgent:  userAgent,
	}, nil
}

// NewClientWithHTTP wraps an existing *http.Client. Used by tests against httptest servers.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  "pagegen",
	}
}

// BaseURL returns the normalized backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends req and decodes a JSON response body into out (which may be nil).
// Non-2xx responses, transport failures and undecodable bodies are returned
// as *errors.AccessError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	raw, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		if out != nil {
			return accerrors.Malformed(req.Op, errors.New("empty response body"))
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return accerrors.Malformed(req.Op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// DoRaw sends req and returns the raw 2xx body.
func (c *Client) DoRaw(ctx context.Context, req Request) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, accerrors.Canceled(req.Op, err)
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", req.Op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.Op, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}
	if req.ProductID != "" {
		httpReq.Header.Set(HeaderProductID, req.ProductID)
	}
	ctx, requestID := logging.WithRequestID(ctx, logging.RequestID(ctx))
	httpReq.Header.Set(HeaderRequestID, requestID)

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, accerrors.Canceled(req.Op, ctxErr)
		}
		return nil, accerrors.Network(req.Op, err)
	}
	defer resp.Body.Close()

	logging.Ctx(ctx).Debug().
		Str("op", req.Op).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("Backend request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, accerrors.FromStatus(req.Op, resp.StatusCode, extractMessage(errBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, accerrors.Canceled(req.Op, ctxErr)
		}
		return nil, accerrors.Network(req.Op, fmt.Errorf("read response: %w", err))
	}
	return data, nil
}

func encodeBody(req Request) (io.Reader, string, error) {
	if req.File != nil || len(req.Fields) > 0 {
		return encodeMultipart(req.Fields, req.File)
	}
	if req.JSON == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(req.JSON)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func encodeMultipart(fields map[string]string, file *File) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}

	if file != nil {
		fieldName := file.FieldName
		if fieldName == "" {
			fieldName = "file"
		}
		part, err := writer.CreateFormFile(fieldName, file.FileName)
		if err != nil {
			return nil, "", err
		}
		if file.Content != nil {
			if _, err := io.Copy(part, file.Content); err != nil {
				return nil, "", fmt.Errorf("copy upload %s: %w", file.FileName, err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// extractMessage pulls a human-readable message out of an error body. The
// backend answers {"message": "..."} and occasionally {"error": "..."}.
func extractMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	if trimmed[0] == '<' {
		return ""
	}
	const maxPlain = 200
	if len(trimmed) > maxPlain {
		trimmed = trimmed[:maxPlain]
	}
	return string(trimmed)
}
