package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrContentNotFound = errors.New("content not found on gateway")

// Gateway reads pinned JSON documents from a public IPFS gateway.
type Gateway struct {
	baseURL string
	client  *http.Client
}

func NewGateway(baseURL string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// URL returns the public link for cid.
func (g *Gateway) URL(cid string) string {
	return g.baseURL + "/" + cid
}

// Fetch decodes the document stored under cid into out.
func (g *Gateway) Fetch(ctx context.Context, cid string, out any) error {
	if cid == "" {
		return ErrContentNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.URL(cid), nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway get %s: %w", cid, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrContentNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway get %s: %s: %s", cid, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway decode %s: %w", cid, err)
	}
	return nil
}
