package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/loreweave/loresync/internal/docid"
)

// TokenFunc supplies the bearer token for API calls.
type TokenFunc func(ctx context.Context) (string, error)

// manifestItem is one entry in the server's media manifest.
type manifestItem struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// apiClient talks to the media endpoints of the sync server.
type apiClient struct {
	apiBase string
	token   TokenFunc
	http    *http.Client
}

func (c *apiClient) mediaURL(key docid.ProjectKey, filename string) string {
	u := fmt.Sprintf("%s/media/%s/%s",
		strings.TrimSuffix(c.apiBase, "/"),
		url.PathEscape(key.Owner),
		url.PathEscape(key.Project))
	if filename != "" {
		u += "/" + url.PathEscape(filename)
	}
	return u
}

func (c *apiClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// manifest fetches the server-side media listing for a project.
func (c *apiClient) manifest(ctx context.Context, key docid.ProjectKey) ([]manifestItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mediaURL(key, ""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media manifest for %s: %w", key, err)
	}
	defer resp.Body.Close()

	var payload struct {
		Items []manifestItem `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode media manifest for %s: %w", key, err)
	}
	return payload.Items, nil
}

// download fetches one media file, returning its bytes and the content
// type the server reported.
func (c *apiClient) download(ctx context.Context, key docid.ProjectKey, filename string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mediaURL(key, filename), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// upload posts one media file as a multipart form with field name "file".
func (c *apiClient) upload(ctx context.Context, key docid.ProjectKey, filename, mimeType string, data []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mimeType != "" {
		h.Set("Content-Type", mimeType)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mediaURL(key, ""), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	resp.Body.Close()
	return nil
}
