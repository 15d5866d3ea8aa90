// Package httpchan carries calls over plain HTTP requests. Each call is one
// POST; the routing pair travels in headers and the payload is the body.
// There is no multiplexing or chunking here: HTTP already frames each body.
package httpchan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"chanrpc/calldata"
	"chanrpc/host"
	"chanrpc/service"
)

const (
	HeaderChannelID = "X-Channel-Id"
	HeaderEndpoint  = "X-Endpoint"
	HeaderBinary    = "X-Binary"

	contentTypeText   = "text/plain; charset=utf-8"
	contentTypeBinary = "application/octet-stream"

	// DefaultMaxBody bounds serialized request bodies accepted by a Handler.
	DefaultMaxBody = 64 << 20
)

// Client is a SerializedChannel that sends every call as an HTTP POST.
type Client struct {
	url    string
	client *http.Client
	logger hclog.Logger
}

// NewClient creates a client posting to url. A nil httpClient uses a pooled
// cleanhttp client.
func NewClient(url string, httpClient *http.Client, logger hclog.Logger) *Client {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{url: url, client: httpClient, logger: logger.Named("httpchan")}
}

// Call posts data to the service hosted under id. A binary response is
// streamed; the caller must close it.
func (c *Client) Call(ctx context.Context, id service.ChannelID, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	var body io.Reader
	binary := data.IsBinary()
	if binary {
		stream, _ := data.ReadBinary()
		body = stream
	} else {
		s, _ := data.ReadSerialized()
		body = strings.NewReader(s)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		data.Close()
		return calldata.Empty, err
	}
	req.Header.Set(HeaderChannelID, string(id))
	req.Header.Set(HeaderEndpoint, endpoint)
	if binary {
		req.Header.Set(HeaderBinary, "true")
		req.Header.Set("Content-Type", contentTypeBinary)
	} else {
		req.Header.Set("Content-Type", contentTypeText)
	}

	// The transport closes a binary request body.
	resp, err := c.client.Do(req)
	if err != nil {
		return calldata.Empty, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return calldata.Empty, fmt.Errorf("httpchan: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	c.logger.Trace("call", "channel", id, "endpoint", endpoint, "binary", binary)
	if resp.Header.Get(HeaderBinary) == "true" {
		return calldata.CreateBinary(resp.Body), nil
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return calldata.Empty, err
	}
	return calldata.Create(string(b)), nil
}

// CloseService sends the close convention for id.
func (c *Client) CloseService(ctx context.Context, id service.ChannelID) error {
	out, err := c.Call(ctx, id, "", calldata.Empty)
	if err != nil {
		return err
	}
	return out.AsError()
}

// Default returns a proxy for the server's default service.
func (c *Client) Default() *service.Subservice {
	return service.NewSubservice(c, service.DefaultChannel)
}

// Handler serves a host connection over HTTP. Failures of the call itself
// travel as error envelopes with status 200; other statuses mean the HTTP
// exchange failed.
type Handler struct {
	host    *host.Connection
	logger  hclog.Logger
	maxBody int64
}

func NewHandler(h *host.Connection, logger hclog.Logger) *Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Handler{host: h, logger: logger.Named("httpchan"), maxBody: DefaultMaxBody}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := service.ChannelID(r.Header.Get(HeaderChannelID))
	endpoint := r.Header.Get(HeaderEndpoint)

	var data calldata.CallData
	if r.Header.Get(HeaderBinary) == "true" {
		data = calldata.CreateBinary(r.Body)
	} else {
		b, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if int64(len(b)) > h.maxBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		data = calldata.Create(string(b))
	}

	out, err := h.host.Call(r.Context(), id, endpoint, data)
	if err != nil {
		h.logger.Debug("call failed", "channel", id, "endpoint", endpoint, "error", err)
		out = calldata.FromError(err)
	}

	if out.IsBinary() {
		stream, _ := out.ReadBinary()
		defer stream.Close()
		w.Header().Set(HeaderBinary, "true")
		w.Header().Set("Content-Type", contentTypeBinary)
		if _, err := io.Copy(w, stream); err != nil {
			h.logger.Debug("failed to write response", "endpoint", endpoint, "error", err)
		}
		return
	}
	s, _ := out.ReadSerialized()
	w.Header().Set("Content-Type", contentTypeText)
	io.WriteString(w, s)
}

var _ service.SerializedChannel = (*Client)(nil)
