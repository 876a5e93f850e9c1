package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	transportUDS  = "uds"
	transportHTTP = "http"

	defaultServer = "http://127.0.0.1:8080"
	defaultSocket = "/tmp/songpal.sock"
)

// cliConfig is the operator CLI's stored connection settings.
type cliConfig struct {
	Transport string `json:"transport"`
	Server    string `json:"server"`
	Socket    string `json:"socket"`
	Token     string `json:"token"`
}

// operatorClient calls a server method by its JSON-RPC name, whatever the transport.
type operatorClient interface {
	call(ctx context.Context, method string, params map[string]any, out any) error
}

func newOperatorClient(cfg cliConfig) operatorClient {
	if cfg.Transport == transportHTTP {
		return newAdminClient(cfg.Server, cfg.Token)
	}
	return newRPCClient(cfg.Socket)
}

// adminRoute is where an RPC method lives on the bearer-guarded admin API.
type adminRoute struct {
	method string
	path   string
}

var adminRoutes = map[string]adminRoute{
	"stats":            {http.MethodGet, "/api/admin/stats"},
	"connections.list": {http.MethodGet, "/api/admin/connections"},
	"exchanges.list":   {http.MethodGet, "/api/admin/exchanges"},
	"reminders.send":   {http.MethodPost, "/api/admin/reminders"},
}

type adminClient struct {
	httpClient *http.Client
	server     string
	token      string
}

func newAdminClient(server, token string) *adminClient {
	return &adminClient{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		server:     strings.TrimRight(server, "/"),
		token:      token,
	}
}

// call sends params as the query string; the admin API has no request bodies.
func (c *adminClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	route, ok := adminRoutes[method]
	if !ok {
		return fmt.Errorf("%s is only served over the %s transport", method, transportUDS)
	}

	target := c.server + route.path
	if q := adminQuery(params); len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, route.method, target, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return fmt.Errorf("api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// adminQuery drops unset parameters: nil pointers, empty strings and zero limits.
func adminQuery(params map[string]any) url.Values {
	q := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case nil:
		case *uint:
			if v != nil {
				q.Set(key, uintToString(*v))
			}
		case string:
			if v != "" {
				q.Set(key, v)
			}
		case int:
			if v > 0 {
				q.Set(key, fmt.Sprint(v))
			}
		default:
			q.Set(key, fmt.Sprint(v))
		}
	}
	return q
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".songpal", "config.json"), nil
}

func loadConfig() (cliConfig, error) {
	cfg := cliConfig{Transport: transportUDS, Server: defaultServer, Socket: defaultSocket}
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cliConfig{}, err
	}

	var stored cliConfig
	if err := json.Unmarshal(data, &stored); err != nil {
		return cliConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	if stored.Transport != "" {
		cfg.Transport = stored.Transport
	}
	if stored.Server != "" {
		cfg.Server = stored.Server
	}
	if stored.Socket != "" {
		cfg.Socket = stored.Socket
	}
	cfg.Token = stored.Token
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := jsonMarshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
