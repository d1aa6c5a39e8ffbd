package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/httpjson"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

// Client is a store.Store served by NewHandler on another host.
type Client struct {
	base string
	hc   *http.Client
}

var _ store.Store = (*Client)(nil)

// NewClient talks to the handler mounted at base, e.g.
// http://host:8080/v1/store. A nil hc uses http.DefaultClient.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(base, "/"), hc: hc}
}

var sentinels = map[string]error{
	CodeNotFound:         store.ErrNotFound,
	CodeExists:           store.ErrExists,
	CodeConflict:         store.ErrConflict,
	CodeTooManyConflicts: store.ErrTooManyConflicts,
	CodeUnknownStatus:    domain.ErrUnknownStatus,
}

func recordPath(key domain.TrackingKey) string {
	return fmt.Sprintf("/records/%d/%d", key.JobID, key.ChunkID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "store %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var eb httpjson.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return errors.Errorf("store %s %s: %s", method, path, resp.Status)
		}
		if sentinel, ok := sentinels[eb.Code]; ok {
			return errors.Wrap(sentinel, eb.Error)
		}
		return errors.Errorf("store %s %s: %s: %s", method, path, resp.Status, eb.Error)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "store %s %s: decode", method, path)
}

func (c *Client) Get(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	var dt domain.DependencyTracking
	err := c.do(ctx, http.MethodGet, recordPath(key), nil, &dt)
	return dt, err
}

func (c *Client) Insert(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	var stored domain.DependencyTracking
	err := c.do(ctx, http.MethodPost, "/records", dt, &stored)
	return stored, err
}

func (c *Client) CompareAndSwap(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	var stored domain.DependencyTracking
	err := c.do(ctx, http.MethodPut, recordPath(dt.Key), dt, &stored)
	return stored, err
}

func (c *Client) Delete(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	var last domain.DependencyTracking
	err := c.do(ctx, http.MethodDelete, recordPath(key), nil, &last)
	return last, err
}

func (c *Client) Query(ctx context.Context, p query.Predicate) ([]domain.DependencyTracking, error) {
	var records []domain.DependencyTracking
	if err := c.do(ctx, http.MethodPost, "/query", p, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) Aggregate(ctx context.Context, agg query.Aggregation) (query.Accumulator, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/aggregate", agg, &raw); err != nil {
		return nil, err
	}
	return agg.Decode(raw)
}
