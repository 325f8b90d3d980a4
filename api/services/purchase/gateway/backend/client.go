package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
	gw "github.com/tbeaudouin05/entitlement-sync/api/services/purchase/gateway"
)

const platform = "backend"

// client is the HTTP implementation of the backend gateway.
type client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New returns a Backend that talks JSON over HTTP to baseURL. A nil
// httpClient gets a 10s timeout.
func New(httpClient *http.Client, baseURL, apiKey string) gw.Backend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

func (c *client) SyncPurchase(ctx context.Context, req gw.SyncRequest) (gw.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return gw.SyncResponse{}, domain.Unknown("encode sync request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/purchases/sync", bytes.NewReader(body))
	if err != nil {
		return gw.SyncResponse{}, domain.Unknown("build sync request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TransactionID)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Includes deadline expiry: a slow backend is treated as unreachable.
		return gw.SyncResponse{}, domain.NetworkError(platform, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gw.SyncResponse{}, domain.NetworkError(platform, err)
	}

	if err := statusError(resp.StatusCode, req.ProductID, raw); err != nil {
		return gw.SyncResponse{}, err
	}

	var out gw.SyncResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return gw.SyncResponse{}, domain.Unknown("decode sync response", err)
	}
	if !out.Accepted && !out.Revoked {
		return gw.SyncResponse{}, domain.Unknown("backend did not accept purchase", nil)
	}
	return out, nil
}

func statusError(code int, productID string, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return domain.NetworkError(platform, fmt.Errorf("status %d", code))
	case code == http.StatusNotFound:
		return domain.ProductUnavailable(productID)
	default:
		return domain.Unknown(fmt.Sprintf("status %d", code), fmt.Errorf("%s", snippet(body)))
	}
}

const maxSnippet = 200

// snippet trims a response body for error messages on a rune boundary.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxSnippet {
		return s
	}
	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
