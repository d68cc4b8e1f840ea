package davsdk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PutParams describes one whole-file upload request.
type PutParams struct {
	RemotePath string
	Body       io.Reader
	Size       int64
	ModTime    time.Time
	IfMatch    string // previous etag, empty for new files
	Checksum   string // "<TYPE>:<hex>", optional
	Async      bool
	Header     http.Header // extra headers, applied last
}

// Reply is the outcome of a request that reached the server.
type Reply struct {
	StatusCode int
	Header     http.Header
	RequestID  string
	Timestamp  time.Time // server Date header, local time when absent
}

// ETag returns the version token of the reply. OC-ETag wins over ETag.
func (r *Reply) ETag() string {
	if r == nil {
		return ""
	}
	return ParseETag(r.Header)
}

// FileID returns the server file id, empty when absent.
func (r *Reply) FileID() string {
	if r == nil {
		return ""
	}
	return r.Header.Get(HeaderOCFileID)
}

// PollURL returns the async completion location of a 202 reply.
func (r *Reply) PollURL() string {
	if r == nil {
		return ""
	}
	return r.Header.Get(HeaderOCFinishPoll)
}

// MtimeAccepted reports whether the server confirmed it applied X-OC-Mtime.
func (r *Reply) MtimeAccepted() bool {
	if r == nil {
		return false
	}
	return r.Header.Get(HeaderOCMtime) == MtimeAccepted
}

// Put uploads the whole body to params.RemotePath in one request.
//
// The body is streamed with an explicit Content-Length and is never buffered; the request
// is never retried since the body can not be replayed.
// Transport failures return a nil Reply. HTTP error statuses return both the Reply and a *ReplyError.
func (c *Client) Put(ctx context.Context, params *PutParams) (*Reply, error) {
	if params == nil || params.Body == nil {
		return nil, ErrNoBody
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.RemoteURL(params.RemotePath), io.NopCloser(params.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.ContentLength = params.Size
	if params.Size == 0 {
		httpReq.Body = http.NoBody
	}

	c.decorate(httpReq)
	requestID := uuid.NewString()
	httpReq.Header.Set(HeaderRequestID, requestID)
	httpReq.Header.Set(HeaderContentType, ContentTypeBinary)
	if !params.ModTime.IsZero() {
		httpReq.Header.Set(HeaderOCMtime, strconv.FormatInt(params.ModTime.Unix(), 10))
	}
	if params.IfMatch != "" {
		httpReq.Header.Set(HeaderIfMatch, quoteETag(params.IfMatch))
	}
	if params.Async {
		httpReq.Header.Set(HeaderOCAsync, "1")
	}
	if params.Checksum != "" {
		httpReq.Header.Set(HeaderOCChecksum, params.Checksum)
	}
	for k, vs := range params.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	slog.Debug("dav put", "url", httpReq.URL.String(), "size", params.Size, "requestId", requestID)

	resp, err := c.client.GetClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request error: put %s: %w", params.RemotePath, err)
	}
	defer resp.Body.Close()

	reply := newReply(resp, requestID)
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return reply, newReplyError("put "+params.RemotePath, resp, body)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	return reply, nil
}

func newReply(resp *http.Response, requestID string) *Reply {
	ts := time.Now()
	if date := resp.Header.Get(HeaderDate); date != "" {
		if parsed, err := http.ParseTime(date); err == nil {
			ts = parsed
		}
	}
	return &Reply{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		RequestID:  requestID,
		Timestamp:  ts,
	}
}

// ParseETag extracts the etag from response headers.
// OC-ETag is preferred over ETag; quotes and a trailing -gzip marker are stripped.
func ParseETag(h http.Header) string {
	etag := normalizeETag(h.Get(HeaderETag))
	ocEtag := normalizeETag(h.Get(HeaderOCETag))
	if ocEtag == "" {
		return etag
	}
	if etag != "" && etag != ocEtag {
		slog.Debug("dav etag mismatch, using oc-etag", "etag", etag, "ocEtag", ocEtag)
	}
	return ocEtag
}

func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	etag = strings.TrimSuffix(etag, "-gzip")
	return etag
}

func quoteETag(etag string) string {
	return `"` + normalizeETag(etag) + `"`
}
