package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chainsync/internal/jsonx"
	"chainsync/internal/ledger"
)

// Client talks to a node's HTTP surface. It backs the CLI subcommands.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Blocks(ctx context.Context) ([]ledger.Block, error) {
	var out []ledger.Block
	err := c.do(ctx, http.MethodGet, "/blocks", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) Latest(ctx context.Context) (ledger.Block, error) {
	var out ledger.Block
	err := c.do(ctx, http.MethodGet, "/blocks/latest", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) Mine(ctx context.Context, data string) (ledger.Block, error) {
	var out ledger.Block
	err := c.do(ctx, http.MethodPost, "/mineBlock", MineRequest{Data: data}, http.StatusCreated, &out)
	return out, err
}

func (c *Client) Peers(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/peers", nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) AddPeer(ctx context.Context, addr string) error {
	return c.do(ctx, http.MethodPost, "/addPeer", AddPeerRequest{Peer: addr}, http.StatusNoContent, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := jsonx.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e ErrorResponse
		if err := jsonx.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return jsonx.NewDecoder(resp.Body).Decode(out)
}
