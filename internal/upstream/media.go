package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/moria/internal"
)

// maxMediaBytes bounds a single generated-file download.
const maxMediaBytes = 32 << 20

// FileMeta describes one generated file.
type FileMeta struct {
	Name     string
	MimeType string
}

// LatestFile returns metadata for the session's most recently generated
// file, or gateway.ErrNotFound when the session has none.
func (c *Client) LatestFile(ctx context.Context, sessionName string) (*FileMeta, error) {
	bearer, err := c.tokens.Bearer(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + "/v1/files?" + url.Values{
		"orderBy":  {"create_time desc"},
		"pageSize": {"1"},
		"filter":   {"session=" + strconv.Quote(sessionName)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create files request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list files: %v", gateway.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: files endpoint returned %d", gateway.ErrUpstreamTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read files response: %v", gateway.ErrUpstreamTransport, err)
	}

	first := gjson.GetBytes(body, "files.0")
	if !first.Exists() {
		return nil, gateway.ErrNotFound
	}
	return &FileMeta{
		Name:     first.Get("name").String(),
		MimeType: first.Get("mimeType").String(),
	}, nil
}

// DownloadFile fetches a generated file's raw bytes.
func (c *Client) DownloadFile(ctx context.Context, name string) ([]byte, error) {
	bearer, err := c.tokens.Bearer(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + "/v1/" + name + ":download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download file: %v", gateway.ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download endpoint returned %d", gateway.ErrUpstreamTransport, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
}
