package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPClient reads replica sets from an indexing node's REST API.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates an HTTPClient for the node at base.
func NewHTTPClient(base string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{base: strings.TrimRight(base, "/"), client: client}
}

// UserReplicaSet implements Client. A 404 maps to ErrBlockNotIndexed.
func (c *HTTPClient) UserReplicaSet(ctx context.Context, userID, minBlock int64) (IndexedReplicaSet, error) {
	q := url.Values{"min_block": {strconv.FormatInt(minBlock, 10)}}
	u := fmt.Sprintf("%s/v1/users/%d/replica_set?%s", c.base, userID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return IndexedReplicaSet{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return IndexedReplicaSet{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return IndexedReplicaSet{}, fmt.Errorf("%w: %s", ErrBlockNotIndexed, u)
	case resp.StatusCode != http.StatusOK:
		return IndexedReplicaSet{}, fmt.Errorf("%s: status %d", u, resp.StatusCode)
	}

	var body struct {
		Data IndexedReplicaSet `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return IndexedReplicaSet{}, fmt.Errorf("decode replica set: %w", err)
	}
	return body.Data, nil
}
