package davsdk

import (
	"context"
	"fmt"
)

// PollStatus is the body of an OC-Finish-Poll location.
type PollStatus struct {
	Unfinished bool   `json:"unfinished"`
	Error      string `json:"error"`
	FileID     string `json:"fileid"`
	ETag       string `json:"etag"`
}

// Poll queries the async completion location handed out by a 202 reply.
// pollURL may be relative to the server url.
func (c *Client) Poll(ctx context.Context, pollURL string) (*PollStatus, *Reply, error) {
	if pollURL == "" {
		return nil, nil, ErrNoPollURL
	}

	target, err := c.ResolveURL(pollURL)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		Get(target)
	if err != nil {
		return nil, nil, fmt.Errorf("http request error: poll %s: %w", pollURL, err)
	}

	reply := newReply(resp.Response, "")
	body := resp.Bytes()
	if resp.IsErrorState() {
		return nil, reply, newReplyError("poll "+pollURL, resp.Response, body)
	}

	var status PollStatus
	if err := jsonUnmarshal(body, &status); err != nil {
		return nil, reply, fmt.Errorf("%w: %v", ErrPollDecode, err)
	}
	status.ETag = normalizeETag(status.ETag)

	return &status, reply, nil
}
