// Package httptransport implements the cluster core's Transport contract
// over plain HTTP, adapted from the teacher's inter-node communicator: one
// POST endpoint accepts a {kind, message} envelope and returns either a
// payload or a dead-letter marker.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"actorcluster/internal/cluster"
	"actorcluster/internal/logging"
)

// APIPortOffset is added to a member's gossip port to derive its transport
// listen port, mirroring the teacher's Port+1000 convention.
const APIPortOffset = 1000

const requestPath = "/cluster/request"

type envelope struct {
	Kind    string `json:"kind"`
	Message []byte `json:"message"`
}

type wireResponse struct {
	Payload    []byte `json:"payload,omitempty"`
	DeadLetter bool   `json:"dead_letter,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Transport is the HTTP-based cluster.Transport implementation.
type Transport struct {
	selfAddress string
	client      *http.Client
	server      *http.Server
	handler     cluster.RequestHandler
}

// New constructs a Transport. requestTimeout bounds the HTTP client used
// for outbound Send/Request calls.
func New(requestTimeout time.Duration) *Transport {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Transport{client: &http.Client{Timeout: requestTimeout}}
}

// Start binds an HTTP listener on bindAddress and begins serving inbound
// requests to handler.
func (t *Transport) Start(ctx context.Context, bindAddress string, handler cluster.RequestHandler) error {
	t.selfAddress = bindAddress
	t.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc(requestPath, t.serveRequest)

	t.server = &http.Server{
		Addr:    bindAddress,
		Handler: logging.ClusterRequestMiddleware(mux),
	}

	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("httptransport: binding %s: %w", bindAddress, err)
	}

	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, logging.ComponentTransport, logging.ActionStart,
				"http transport server stopped unexpectedly", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (t *Transport) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

func (t *Transport) serveRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	fromAddress := r.Header.Get("X-Cluster-From")
	reply, err := t.handler(ctx, fromAddress, env.Kind, env.Message)

	var resp wireResponse
	if err != nil {
		resp.Error = err.Error()
		resp.DeadLetter = err == cluster.ErrDeadLetter
	} else {
		resp.Payload = reply
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Send delivers message to target without waiting for a typed response.
func (t *Transport) Send(ctx context.Context, target cluster.RemoteLocation, kind string, message []byte) error {
	_, err := t.do(ctx, target, kind, message, t.client.Timeout)
	return err
}

// Request delivers message to target and waits for a response or
// ErrTransportDeadLetter.
func (t *Transport) Request(ctx context.Context, target cluster.RemoteLocation, kind string, message []byte, timeout time.Duration) ([]byte, error) {
	return t.do(ctx, target, kind, message, timeout)
}

func (t *Transport) do(ctx context.Context, target cluster.RemoteLocation, kind string, message []byte, timeout time.Duration) ([]byte, error) {
	body, err := json.Marshal(envelope{Kind: kind, Message: message})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s%s", target.MemberAddress, requestPath)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Cluster-From", t.selfAddress)
	logging.PropagateCorrelationID(ctx, httpReq.Header)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httptransport: request to %s failed: %w", target.MemberAddress, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httptransport: %s returned status %d: %s", target.MemberAddress, httpResp.StatusCode, string(respBody))
	}

	var decoded wireResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, err
	}
	if decoded.DeadLetter {
		return nil, cluster.ErrTransportDeadLetter
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("httptransport: remote error: %s", decoded.Error)
	}
	return decoded.Payload, nil
}

// BindAddressForPort derives a bind address string from a host and gossip
// port using the APIPortOffset convention.
func BindAddressForPort(host string, gossipPort int) string {
	return net.JoinHostPort(host, strconv.Itoa(gossipPort+APIPortOffset))
}
