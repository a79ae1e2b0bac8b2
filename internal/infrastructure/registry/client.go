package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roomchat/internal/domain/entity"
	"roomchat/pkg/errors"
)

// Client talks to the user/property registry that owns display names.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve posts the query to {baseURL}/resolve.
func (c *Client) Resolve(ctx context.Context, query entity.NameQuery) (*entity.ResolvedNames, error) {
	if query.PropertyIDs == nil {
		query.PropertyIDs = []int64{}
	}
	if query.UserIDs == nil {
		query.UserIDs = []int64{}
	}

	jsonData, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Internal("Failed to encode name query", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/resolve", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Internal("Failed to build registry request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Upstream("Registry unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Upstream("Failed to read registry response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Upstream(fmt.Sprintf("Registry returned status %d", resp.StatusCode), nil)
	}

	var decoded entity.ResolvedNames
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.Upstream("Invalid registry response", err)
	}

	names := entity.NewResolvedNames()
	names.Add(&decoded)
	return names, nil
}
