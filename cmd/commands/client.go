package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

// serverFlags are shared by every command that talks to a running server.
func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "Base URL of the inkwell server",
			Value: defaultServer(),
		},
		&cli.StringFlag{
			Name:  "token",
			Usage: "Bearer token for authentication",
			Value: os.Getenv("INKWELL_TOKEN"),
		},
		&cli.StringFlag{
			Name:  "user",
			Usage: "Acting user UID when the server runs with auth disabled",
			Value: os.Getenv("INKWELL_USER"),
		},
	}
}

func defaultServer() string {
	if v := os.Getenv("INKWELL_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8787"
}

// apiClient is a thin REST client for the gateway.
type apiClient struct {
	base  string
	token string
	user  string
	http  *http.Client
}

func newAPIClient(cmd *cli.Command) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(cmd.String("server"), "/"),
		token: cmd.String("token"),
		user:  cmd.String("user"),
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

// headers returns the credential headers; also used for websocket dials.
func (c *apiClient) headers() http.Header {
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		hdr.Set("X-Inkwell-User", c.user)
	}
	return hdr
}

// wsURL rewrites the base URL scheme for websocket endpoints.
func (c *apiClient) wsURL(path string) string {
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	for k, vals := range c.headers() {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *apiClient) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
		contentType = "application/json"
	}
	return c.do(ctx, http.MethodPost, path, body, contentType, out)
}

func (c *apiClient) del(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, "", nil)
}

// download streams a GET response body to w, returning the suggested filename.
func (c *apiClient) download(ctx context.Context, path string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return "", err
	}
	for k, vals := range c.headers() {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apiError(resp)
	}
	name := filenameFrom(resp.Header.Get("Content-Disposition"))
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return name, nil
}

// apiError decodes the gateway's error body into a readable error.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		if body.Code != "" {
			return fmt.Errorf("server: %s (%s)", body.Error, body.Code)
		}
		return fmt.Errorf("server: %s", body.Error)
	}
	return fmt.Errorf("server: %s", resp.Status)
}

// filenameFrom extracts the plain filename parameter from a
// Content-Disposition header, ignoring the RFC 5987 form.
func filenameFrom(disposition string) string {
	for _, part := range strings.Split(disposition, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, `filename="`); ok {
			return strings.TrimSuffix(v, `"`)
		}
	}
	return ""
}
