// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package fraghttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/storage"
)

// ClientConfig tunes the retry envelope of the fragment client.
type ClientConfig struct {
	RequestTimeout  time.Duration `help:"time limit for one fragment request" default:"10s"`
	MaxRetries      uint64        `help:"bounded retry budget per fragment operation" default:"3"`
	InitialInterval time.Duration `help:"initial retry backoff interval" default:"100ms"`
}

// Client reaches a remote member's fragment store over HTTP. Transient
// failures are retried with bounded exponential backoff; fragment writes
// are idempotent so blind resends after timeouts are safe.
type Client struct {
	baseURL string
	httpc   *http.Client
	cfg     ClientConfig
}

// NewClient creates a fragment client for the member at addr.
func NewClient(addr string, cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
	}
}

// Dialer returns a fragstore.Dialer producing HTTP clients from member
// addresses.
func Dialer(cfg ClientConfig) fragstore.Dialer {
	return fragstore.DialerFunc(func(ctx context.Context, member cubit.Member) (fragstore.Client, error) {
		return NewClient(member.Addr, cfg), nil
	})
}

func (client *Client) fragmentURL(key fragstore.Key) string {
	return fmt.Sprintf("%s/fragments/%s/%d/%d/%s", client.baseURL, key.ID, key.Version, key.Index, key.Tag)
}

func (client *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = client.cfg.InitialInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, client.cfg.MaxRetries), ctx))
}

// Put implements fragstore.Client.
func (client *Client) Put(ctx context.Context, key fragstore.Key, data []byte) error {
	return client.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, client.fragmentURL(key), bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := client.httpc.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusNoContent, http.StatusOK:
			return nil
		case http.StatusConflict:
			return backoff.Permanent(fragstore.ErrRejected.New("%s", key))
		default:
			return Error.New("fragment put %s: unexpected status %s", key, resp.Status)
		}
	})
}

// Get implements fragstore.Client.
func (client *Client) Get(ctx context.Context, key fragstore.Key) ([]byte, error) {
	var data []byte
	err := client.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.fragmentURL(key), nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}

		resp, err := client.httpc.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
			data, err = io.ReadAll(resp.Body)
			return Error.Wrap(err)
		case http.StatusNotFound:
			return backoff.Permanent(fragstore.ErrNotFound.New("%s", key))
		default:
			return Error.New("fragment get %s: unexpected status %s", key, resp.Status)
		}
	})
	return data, err
}

// Delete implements fragstore.Client.
func (client *Client) Delete(ctx context.Context, key fragstore.Key) error {
	return client.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, client.fragmentURL(key), nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}

		resp, err := client.httpc.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			return Error.New("fragment delete %s: unexpected status %s", key, resp.Status)
		}
		return nil
	})
}

// Capacity implements fragstore.Client.
func (client *Client) Capacity(ctx context.Context) (storage.Capacity, error) {
	var capacity storage.Capacity
	err := client.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/capacity", nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}

		resp, err := client.httpc.Do(req)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return Error.New("capacity: unexpected status %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Error.Wrap(err)
		}
		fields := strings.Fields(string(body))
		if len(fields) != 2 {
			return backoff.Permanent(Error.New("malformed capacity response %q", body))
		}
		capacity.Used, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		capacity.Total, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		return nil
	})
	return capacity, err
}
