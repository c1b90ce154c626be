/*
File Name:  orchestrator.go
Author:     dpc contributors

Inference Orchestrator: dispatches execute() either to a local LLM
abstraction or, when a compute_host peer is given, relays a
REMOTE_INFERENCE_REQUEST over the P2P manager and waits for its
response.
*/

package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRemoteTimeout is how long execute() waits for a remote peer's
// REMOTE_INFERENCE_RESPONSE before producing a retryable error.
const DefaultRemoteTimeout = 60 * time.Second

// ErrPeerNotConnected is returned when compute_host names a peer with
// no live connection.
var ErrPeerNotConnected = errors.New("inference: compute host is not connected")

// ErrRemoteTimeout is returned when a remote request's response never
// arrived within the configured timeout. Retryable.
var ErrRemoteTimeout = errors.New("inference: remote inference request timed out")

// LocalEngine is the local LLM abstraction execute() delegates to when
// no compute_host is given.
type LocalEngine interface {
	Run(ctx context.Context, prompt, model, provider string, images [][]byte) (response string, modelUsed string, providerUsed string, err error)
	ModelMaxTokens(model string) int
}

// RemoteSender is the narrow capability needed to relay a remote
// inference request over an already-connected peer.
type RemoteSender interface {
	IsConnected(peerID string) bool
	SendRemoteRequest(peerID string, requestID string, prompt, model, provider string, images [][]byte) error
}

// Result is execute()'s structured outcome.
type Result struct {
	Response        string  `json:"response"`
	Model           string  `json:"model"`
	Provider        string  `json:"provider"`
	ComputeHost     string  `json:"compute_host"`
	TokensUsed      int     `json:"tokens_used"`
	ModelMaxTokens  int     `json:"model_max_tokens"`
	PromptTokens    int     `json:"prompt_tokens"`
	ResponseTokens  int     `json:"response_tokens"`
}

// RemoteResponse is what the P2P dispatch layer feeds back into
// Orchestrator.HandleRemoteResponse when a REMOTE_INFERENCE_RESPONSE
// arrives.
type RemoteResponse struct {
	RequestId string
	Status    string // "ok" | "error"
	Response  string
	Error     string
	Model     string
	Provider  string
}

type pendingRequest struct {
	resultCh chan RemoteResponse
	once     sync.Once
}

// Orchestrator executes local and remote inference requests.
type Orchestrator struct {
	local  LocalEngine
	remote RemoteSender

	mu      sync.Mutex
	pending map[string]*pendingRequest

	remoteTimeout time.Duration
}

// New creates an Orchestrator. remote may be nil if this node never
// dispatches to compute-sharing peers.
func New(local LocalEngine, remote RemoteSender) *Orchestrator {
	return &Orchestrator{
		local:         local,
		remote:        remote,
		pending:       make(map[string]*pendingRequest),
		remoteTimeout: DefaultRemoteTimeout,
	}
}

// SetRemoteTimeout overrides DefaultRemoteTimeout.
func (o *Orchestrator) SetRemoteTimeout(d time.Duration) { o.remoteTimeout = d }

// Execute runs prompt either locally (computeHost == "") or via a
// remote peer.
func (o *Orchestrator) Execute(ctx context.Context, prompt, computeHost, model, provider string, images [][]byte) (Result, error) {
	if computeHost == "" {
		return o.executeLocal(ctx, prompt, model, provider, images)
	}
	return o.executeRemote(ctx, prompt, computeHost, model, provider, images)
}

func (o *Orchestrator) executeLocal(ctx context.Context, prompt, model, provider string, images [][]byte) (Result, error) {
	response, modelUsed, providerUsed, err := o.local.Run(ctx, prompt, model, provider, images)
	if err != nil {
		return Result{}, err
	}
	promptTokens := CountTokens(prompt, modelUsed)
	responseTokens := CountTokens(response, modelUsed)
	return Result{
		Response:       response,
		Model:          modelUsed,
		Provider:       providerUsed,
		ComputeHost:    "local",
		TokensUsed:     promptTokens + responseTokens,
		ModelMaxTokens: o.local.ModelMaxTokens(modelUsed),
		PromptTokens:   promptTokens,
		ResponseTokens: responseTokens,
	}, nil
}

func (o *Orchestrator) executeRemote(ctx context.Context, prompt, computeHost, model, provider string, images [][]byte) (Result, error) {
	if o.remote == nil || !o.remote.IsConnected(computeHost) {
		return Result{}, ErrPeerNotConnected
	}

	requestID := newRequestID()
	pending := &pendingRequest{resultCh: make(chan RemoteResponse, 1)}

	o.mu.Lock()
	o.pending[requestID] = pending
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, requestID)
		o.mu.Unlock()
	}()

	if err := o.remote.SendRemoteRequest(computeHost, requestID, prompt, model, provider, images); err != nil {
		return Result{}, err
	}

	timeout := o.remoteTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}

	select {
	case resp := <-pending.resultCh:
		if resp.Status != "ok" {
			return Result{}, fmt.Errorf("inference: remote error: %s", resp.Error)
		}
		promptTokens := CountTokens(prompt, resp.Model)
		responseTokens := CountTokens(resp.Response, resp.Model)
		return Result{
			Response:       resp.Response,
			Model:          resp.Model,
			Provider:       resp.Provider,
			ComputeHost:    computeHost,
			TokensUsed:     promptTokens + responseTokens,
			PromptTokens:   promptTokens,
			ResponseTokens: responseTokens,
		}, nil
	case <-time.After(timeout):
		return Result{}, ErrRemoteTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// HandleRemoteResponse delivers an inbound REMOTE_INFERENCE_RESPONSE to
// the goroutine blocked in executeRemote, if any is still waiting.
func (o *Orchestrator) HandleRemoteResponse(resp RemoteResponse) {
	o.mu.Lock()
	pending, ok := o.pending[resp.RequestId]
	o.mu.Unlock()
	if !ok {
		return
	}
	pending.once.Do(func() { pending.resultCh <- resp })
}

// newRequestID generates a process-unique id for a REMOTE_INFERENCE_REQUEST.
func newRequestID() string {
	return uuid.NewString()
}
