// Package torrent talks to the torrent daemon attached to a server
// and runs post-transfer actions against it. The only wire
// implementation speaks the qBittorrent WebUI API.
package torrent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/version"
)

const requestTimeout = 15 * time.Second

var userAgent = fmt.Sprintf("tidesync/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)

// API is the action surface the post-action runner needs.
type API interface {
	Remove(ctx context.Context, name string, deleteFiles bool) error
	SetLabel(ctx context.Context, name, label string) error
}

// Client is a qBittorrent WebUI client. Authentication is
// cookie-based; the first call logs in lazily and a 403 triggers one
// re-login.
type Client struct {
	http     *req.Client
	username string
	password string

	mu       sync.Mutex
	loggedIn bool
}

func NewClient(tc *store.TorrentClient) *Client {
	return &Client{
		http: req.C().
			SetBaseURL(strings.TrimRight(tc.URL, "/")).
			SetTimeout(requestTimeout).
			SetUserAgent(userAgent),
		username: tc.Username,
		password: tc.Password,
	}
}

type torrentInfo struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
}

func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		Post("/api/v2/auth/login")
	if err != nil {
		return errdefs.Wrap(errdefs.CodeConnection, err, "torrent login")
	}
	if resp.IsErrorState() || !strings.HasPrefix(resp.String(), "Ok") {
		return errdefs.New(errdefs.CodeUnauthorized, "torrent login rejected (%d)", resp.StatusCode)
	}
	c.loggedIn = true
	return nil
}

func (c *Client) relogin() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

// findHash resolves a torrent by its display name.
func (c *Client) findHash(ctx context.Context, name string) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", err
	}

	var infos []torrentInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&infos).
		Get("/api/v2/torrents/info")
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeConnection, err, "list torrents")
	}
	if resp.StatusCode == 403 {
		c.relogin()
		return "", errdefs.New(errdefs.CodeUnauthorized, "torrent session expired")
	}
	if resp.IsErrorState() {
		return "", errdefs.New(errdefs.CodeTransfer, "list torrents failed (%d)", resp.StatusCode)
	}

	for _, info := range infos {
		if info.Name == name {
			return info.Hash, nil
		}
	}
	return "", errdefs.New(errdefs.CodeNotFound, "no torrent named %q", name)
}

// Remove deletes the torrent, optionally with its payload data.
func (c *Client) Remove(ctx context.Context, name string, deleteFiles bool) error {
	hash, err := c.findHash(ctx, name)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"hashes":      hash,
			"deleteFiles": fmt.Sprintf("%t", deleteFiles),
		}).
		Post("/api/v2/torrents/delete")
	if err != nil {
		return errdefs.Wrap(errdefs.CodeConnection, err, "remove torrent %s", name)
	}
	if resp.IsErrorState() {
		return errdefs.New(errdefs.CodeTransfer, "remove torrent %s failed (%d)", name, resp.StatusCode)
	}
	return nil
}

// SetLabel assigns the torrent to a category.
func (c *Client) SetLabel(ctx context.Context, name, label string) error {
	hash, err := c.findHash(ctx, name)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"hashes":   hash,
			"category": label,
		}).
		Post("/api/v2/torrents/setCategory")
	if err != nil {
		return errdefs.Wrap(errdefs.CodeConnection, err, "label torrent %s", name)
	}
	if resp.IsErrorState() {
		return errdefs.New(errdefs.CodeTransfer, "label torrent %s failed (%d)", name, resp.StatusCode)
	}
	return nil
}
