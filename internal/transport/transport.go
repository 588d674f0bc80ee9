package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"courier/internal/logging"
	"courier/internal/services"
	"courier/internal/version"
)

const (
	controlTimeout  = 30 * time.Second
	wakeupTimeout   = 15 * time.Second
	transferTimeout = 300 * time.Second
)

var (
	// ErrConnection marks failures to reach the server at all.
	ErrConnection = errors.New("connection failed")
	// ErrDuplicate marks a 409 response: the server already holds the file.
	ErrDuplicate = errors.New("already present on server")
	// ErrNoSessions marks a server that does not implement upload sessions.
	ErrNoSessions = errors.New("upload sessions not supported")
)

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Client performs the remote operations with bounded timeouts. Retry logic
// does not live here; callers own it.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a client for the given server. The API key may be empty;
// ping is the only operation valid without one.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		userAgent:  fmt.Sprintf("Courier/%s (%s)", version.Version, hostname),
		httpClient: &http.Client{},
		logger:     logger.With(logging.String(logging.FieldComponent, "transport")),
	}
}

// Ping checks connectivity and key validity. Timeout 30s.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	return c.ping(ctx, controlTimeout)
}

// WakeupPing is a shorter-fused ping used inside the wake-up loop, where a
// slow response is as good as no response.
func (c *Client) WakeupPing(ctx context.Context) (*PingResponse, error) {
	return c.ping(ctx, wakeupTimeout)
}

func (c *Client) ping(ctx context.Context, timeout time.Duration) (*PingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp PingResponse
	if err := c.getJSON(ctx, "/api/uploader/ping", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the remote queue counts and busy flag. Timeout 30s.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	var resp StatusResponse
	if err := c.getJSON(ctx, "/api/uploader/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartSession opens an upload session for the named file and returns its
// id. Servers without session support yield ErrNoSessions. Timeout 30s.
func (c *Client) StartSession(ctx context.Context, fileName string, fileSize int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"fileName": fileName,
		"fileSize": fileSize,
	})
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploader/start", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &resp); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.Status == http.StatusNotFound || httpErr.Status == http.StatusMethodNotAllowed) {
			return "", ErrNoSessions
		}
		return "", err
	}
	if resp.ID == "" {
		return "", ErrNoSessions
	}
	return resp.ID, nil
}

// UploadFile sends the whole file as a multipart request. When uploadID is
// empty the sessionless endpoint is used. A 409 response surfaces as
// ErrDuplicate. Timeout 300s.
func (c *Client) UploadFile(ctx context.Context, uploadID, fileName string, content io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	path := "/api/uploader/upload"
	if uploadID != "" {
		path = "/api/uploader/" + url.PathEscape(uploadID) + "/upload"
	}

	reader, contentType := multipartStream(func(writer *multipart.Writer) error {
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			return err
		}
		_, err = io.Copy(part, content)
		return err
	})

	req, err := c.newRequest(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.duplicateAware(c.do(req, nil))
}

// UploadChunk sends one chunk of a session upload with its index and the
// total chunk count so the server can validate completeness. Timeout 300s.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, chunkIndex, totalChunks int, chunk []byte) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	path := "/api/uploader/" + url.PathEscape(uploadID) + "/upload-chunk"

	reader, contentType := multipartStream(func(writer *multipart.Writer) error {
		if err := writer.WriteField("chunkIndex", strconv.Itoa(chunkIndex)); err != nil {
			return err
		}
		if err := writer.WriteField("totalChunks", strconv.Itoa(totalChunks)); err != nil {
			return err
		}
		part, err := writer.CreateFormFile("chunk", "chunk")
		if err != nil {
			return err
		}
		_, err = part.Write(chunk)
		return err
	})

	req, err := c.newRequest(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.duplicateAware(c.do(req, nil))
}

func (c *Client) duplicateAware(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrDuplicate, httpErr.Body)
	}
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request complete",
		logging.String("method", req.Method),
		logging.String("path", req.URL.Path),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps transport-level failures onto the error taxonomy: deadline
// overruns become timeouts, everything else unreachable-server conditions.
func classify(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() || errors.Is(urlErr.Err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", services.ErrTimeout, urlErr.URL)
		}
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s", services.ErrTimeout, urlErr.URL)
		}
		return fmt.Errorf("%w: %v", ErrConnection, urlErr.Err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", services.ErrTimeout, err)
	}
	return err
}

// multipartStream builds a streaming multipart body so large files are never
// buffered in memory.
func multipartStream(fill func(*multipart.Writer) error) (io.Reader, string) {
	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)
	go func() {
		err := fill(writer)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
		pipeWriter.CloseWithError(err)
	}()
	return pipeReader, writer.FormDataContentType()
}
