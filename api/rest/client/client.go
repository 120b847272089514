// Package client implements the HTTP transport that delivers RPC
// envelopes to workers (and back to the manager) using Fiber's client.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gpuenteallott/pod/pkg/protocol"
)

// DefaultPort is appended to addresses given without one.
const DefaultPort = "8080"

// LocalHandler processes an envelope in-process, bypassing HTTP.
type LocalHandler func(body []byte) any

// Client sends envelopes over HTTP. Addresses recognized as local are
// short-circuited to the in-process dispatcher.
type Client struct {
	agent   *fiber.Client
	timeout time.Duration

	local      LocalHandler
	localAddrs map[string]struct{}
}

// New creates a transport client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		agent:      &fiber.Client{},
		timeout:    timeout,
		localAddrs: make(map[string]struct{}),
	}
}

// SetLocal installs the in-process handler and the addresses that
// resolve to this process.
func (c *Client) SetLocal(handler LocalHandler, addrs ...string) {
	c.local = handler
	for _, a := range addrs {
		c.localAddrs[a] = struct{}{}
	}
	c.localAddrs["localhost"] = struct{}{}
	c.localAddrs["127.0.0.1"] = struct{}{}
}

func (c *Client) isLocal(addr string) bool {
	host := addr
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		host = addr[:i]
	}
	_, ok := c.localAddrs[host]
	return ok && c.local != nil
}

// Send delivers one envelope and returns the raw JSON response body.
func (c *Client) Send(_ context.Context, addr string, env protocol.Envelope) (json.RawMessage, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	if c.isLocal(addr) {
		resp := c.local(body)
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}

	if !strings.Contains(addr, ":") {
		addr += ":" + DefaultPort
	}
	url := "http://" + addr + "/rpc"

	agent := c.agent.Post(url)
	agent.Timeout(c.timeout)
	agent.ContentType(fiber.MIMEApplicationJSON)
	agent.Body(body)

	code, respBody, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("send to %s: %w", addr, errs[0])
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("send to %s: unexpected status %d", addr, code)
	}
	return respBody, nil
}
