/*
File Name:  main.go
Author:     dpc contributors

dpc-node: the overlay's node process. Wires identity, DHT, transports,
P2P manager, Hub signaling, commit/consensus, session, context firewall,
inference, and connection status into one running node.
*/

package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dpcmesh/dpc/internal/config"
	"github.com/dpcmesh/dpc/internal/consensus"
	"github.com/dpcmesh/dpc/internal/dht"
	"github.com/dpcmesh/dpc/internal/firewall"
	"github.com/dpcmesh/dpc/internal/identity"
	"github.com/dpcmesh/dpc/internal/inference"
	"github.com/dpcmesh/dpc/internal/p2p"
	"github.com/dpcmesh/dpc/internal/session"
	"github.com/dpcmesh/dpc/internal/signaling"
	"github.com/dpcmesh/dpc/internal/status"
	"github.com/dpcmesh/dpc/internal/store"
	"github.com/dpcmesh/dpc/internal/transport"
)

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dpc"
	}
	return filepath.Join(home, ".dpc")
}

// Node bundles every component a running dpc-node owns.
type Node struct {
	id      *identity.Identity
	cfg     *config.Config
	cert    tls.Certificate
	dht     *dht.DHT
	p2p     *p2p.Manager
	overlay *transport.Overlay
	signal  *signaling.Client
	rules   *firewall.AccessRules
	store   *store.Store
	consMgr *consensus.Manager
	sessMgr *session.Manager
	infer   *inference.Orchestrator
	tracker *status.Tracker

	listener net.Listener

	certCacheMu sync.Mutex
	certCache   map[string]*rsa.PublicKey
}

func main() {
	homeDir := flag.String("home", defaultHomeDir(), "node home directory")
	configFile := flag.String("config", "", "path to node config.yaml (default: <home>/config.yaml)")
	listenOverride := flag.String("listen", "", "override the TLS listen address")
	flag.Parse()

	if *configFile == "" {
		*configFile = filepath.Join(*homeDir, "config.yaml")
	}

	cfg, loadStatus, err := config.Load(*configFile, *homeDir)
	if err != nil {
		log.Fatalf("dpc-node: loading config (status %d): %v", loadStatus, err)
	}
	if *listenOverride != "" {
		cfg.ListenAddress = *listenOverride
	}

	id, err := loadOrInitIdentity(*homeDir)
	if err != nil {
		log.Fatalf("dpc-node: identity: %v", err)
	}
	log.Printf("dpc-node: node_id=%s", id.NodeId)

	n, err := newNode(id, cfg)
	if err != nil {
		log.Fatalf("dpc-node: startup: %v", err)
	}
	defer n.Close()

	if err := n.Start(); err != nil {
		log.Fatalf("dpc-node: start: %v", err)
	}

	log.Printf("dpc-node: listening tls=%s udp=%s", cfg.ListenAddress, cfg.ListenUDP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Print("dpc-node: shutting down")
}

func loadOrInitIdentity(homeDir string) (*identity.Identity, error) {
	id, err := identity.Load(homeDir)
	if err == nil {
		return id, nil
	}
	if err != identity.ErrNotInitialized {
		return nil, err
	}
	return identity.Initialize(homeDir)
}

func tlsCertificateFor(id *identity.Identity) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.CertDER},
		PrivateKey:  id.PrivateKey,
	}
}

func newNode(id *identity.Identity, cfg *config.Config) (*Node, error) {
	cert := tlsCertificateFor(id)

	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge store: %w", err)
	}

	rules, err := loadAccessRules(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("loading access rules: %w", err)
	}

	d, err := dht.New(id.NodeId, cfg.ListenUDP, dht.Config{
		K:                     cfg.DHT.K,
		Alpha:                 cfg.DHT.Alpha,
		SubnetDiversityLimit:  cfg.DHT.SubnetDiversityLimit,
		BucketRefreshInterval: cfg.DHT.BucketRefreshInterval,
		RPCTimeout:            cfg.DHT.RPCTimeout,
		RPCMaxRetries:         cfg.DHT.RPCMaxRetries,
		MaxPacketSize:         cfg.DHT.MaxPacketSize,
		RateLimitPerWindow:    cfg.DHT.RateLimitPerWindow,
		RateLimitWindow:       cfg.DHT.RateLimitWindow,
		StaleThreshold:        cfg.DHT.StaleThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("starting dht: %w", err)
	}

	mgr := p2p.New(id.NodeId, id.NodeId)

	consMgr := consensus.New(id, st, cfg.Consensus.Threshold)
	sessMgr := session.New()
	tracker := status.New()

	infer := inference.New(&unavailableLocalEngine{}, &remoteSenderAdapter{mgr: mgr})
	if cfg.Inference.RemoteTimeout > 0 {
		infer.SetRemoteTimeout(cfg.Inference.RemoteTimeout)
	}

	n := &Node{
		id:        id,
		cfg:       cfg,
		cert:      cert,
		dht:       d,
		p2p:       mgr,
		rules:     rules,
		store:     st,
		consMgr:   consMgr,
		sessMgr:   sessMgr,
		infer:     infer,
		tracker:   tracker,
		certCache: make(map[string]*rsa.PublicKey),
	}

	overlay := transport.NewOverlay(id.NodeId, mgr, n.gossipFanout(), n.decryptGossip, n.deliverGossip)
	n.overlay = overlay

	mgr.OnPeerConnected(func(nodeID string) {
		log.Printf("dpc-node: peer connected: %s", nodeID)
		n.tracker.SetDirectTLSAvailable(true)
	})
	mgr.OnPeerDisconnected(func(nodeID string) {
		log.Printf("dpc-node: peer disconnected: %s", nodeID)
		if len(mgr.ConnectedPeers()) == 0 {
			n.tracker.SetDirectTLSAvailable(false)
		}
	})
	mgr.HandleCommand("GOSSIP", func(from string, payload interface{}) {
		msg, err := decodeGossipPayload(payload)
		if err != nil {
			log.Printf("dpc-node: malformed gossip from %s: %v", from, err)
			return
		}
		overlay.Receive(msg)
	})
	mgr.HandleCommand("REMOTE_INFERENCE_REQUEST", func(from string, payload interface{}) {
		n.handleRemoteInferenceRequest(from, payload)
	})
	mgr.HandleCommand("REMOTE_INFERENCE_RESPONSE", func(from string, payload interface{}) {
		var resp inference.RemoteResponse
		if err := decodeInto(payload, &resp); err != nil {
			log.Printf("dpc-node: malformed remote inference response from %s: %v", from, err)
			return
		}
		infer.HandleRemoteResponse(resp)
	})

	if cfg.HubURL != "" {
		sig := signaling.New(cfg.HubURL, cfg.HubToken)
		sig.OnStateChange(func(connected bool) {
			n.tracker.SetHubConnected(connected)
			n.tracker.SetWebRTCAvailable(connected)
		})
		n.signal = sig
	}

	mgr.SetDialers(n.dialDirect, nil, nil, n.sendGossip, n.encryptForGossip)

	return n, nil
}

// unavailableLocalEngine is the local inference fallback when no LLM
// runtime is configured on this node; compute-sharing peers are still
// reachable through the remote path.
type unavailableLocalEngine struct{}

func (unavailableLocalEngine) Run(ctx context.Context, prompt, model, provider string, images [][]byte) (string, string, string, error) {
	return "", "", "", fmt.Errorf("inference: no local engine configured on this node")
}

func (unavailableLocalEngine) ModelMaxTokens(model string) int { return 0 }

// remoteSenderAdapter satisfies inference.RemoteSender over the P2P
// manager's command dispatch.
type remoteSenderAdapter struct {
	mgr *p2p.Manager
}

type remoteInferenceRequest struct {
	RequestId string   `json:"request_id"`
	Prompt    string   `json:"prompt"`
	Model     string   `json:"model"`
	Provider  string   `json:"provider"`
	Images    [][]byte `json:"images,omitempty"`
}

func (r *remoteSenderAdapter) IsConnected(peerID string) bool {
	for _, id := range r.mgr.ConnectedPeers() {
		if id == peerID {
			return true
		}
	}
	return false
}

func (r *remoteSenderAdapter) SendRemoteRequest(peerID, requestID, prompt, model, provider string, images [][]byte) error {
	return r.mgr.Send(peerID, "REMOTE_INFERENCE_REQUEST", remoteInferenceRequest{
		RequestId: requestID,
		Prompt:    prompt,
		Model:     model,
		Provider:  provider,
		Images:    images,
	})
}

func (n *Node) gossipFanout() int {
	if n.cfg.Gossip.Fanout > 0 {
		return n.cfg.Gossip.Fanout
	}
	return 4
}

func (n *Node) dialDirect(uri string) (transport.PeerConnection, error) {
	addr, expectedNodeID, err := parseDpcURI(uri)
	if err != nil {
		return nil, err
	}
	return transport.DialTLS(addr, n.cert, expectedNodeID)
}

func (n *Node) sendGossip(nodeID string, payload []byte) error {
	return n.overlay.Send(nodeID, payload, transport.PriorityNormal, n.cfg.Gossip.TTL, n.cfg.Gossip.MaxHops)
}

// encryptForGossip seals plaintext for nodeID's public key before it
// enters the gossip overlay, per §4.4: the payload must already be
// encrypted by the time it reaches Overlay.Send.
func (n *Node) encryptForGossip(nodeID string, plaintext []byte) ([]byte, error) {
	pub, err := n.resolvePeerPublicKey(nodeID)
	if err != nil {
		return nil, fmt.Errorf("dpc-node: resolving certificate for %s: %w", nodeID, err)
	}
	return identity.HybridEncrypt(plaintext, pub)
}

// resolvePeerPublicKey returns nodeID's public key, checking the local
// cache first and falling back to a DHT lookup under "cert:"+nodeID.
func (n *Node) resolvePeerPublicKey(nodeID string) (*rsa.PublicKey, error) {
	n.certCacheMu.Lock()
	pub, cached := n.certCache[nodeID]
	n.certCacheMu.Unlock()
	if cached {
		return pub, nil
	}

	certPEM, ok := n.dht.FindValue(dht.CertKeyPrefix + nodeID)
	if !ok {
		return nil, fmt.Errorf("no certificate announced in dht for %s", nodeID)
	}
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid certificate pem for %s", nodeID)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate for %s: %w", nodeID, err)
	}
	pub, ok = cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate for %s does not carry an rsa public key", nodeID)
	}

	n.certCacheMu.Lock()
	n.certCache[nodeID] = pub
	n.certCacheMu.Unlock()

	return pub, nil
}

func (n *Node) decryptGossip(blob []byte) ([]byte, error) {
	return identity.HybridDecrypt(blob, n.id.PrivateKey)
}

func (n *Node) deliverGossip(payload []byte) {
	log.Printf("dpc-node: delivered %d bytes via gossip overlay", len(payload))
}

func decodeGossipPayload(payload interface{}) (transport.GossipMessage, error) {
	var msg transport.GossipMessage
	return msg, decodeInto(payload, &msg)
}

// decodeInto re-marshals a loosely-typed dispatch payload (interface{}
// from a decoded Envelope) into a concrete struct.
func decodeInto(payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// handleRemoteInferenceRequest honors an incoming compute-sharing
// request, gated by this node's firewall rules, and replies with the
// local engine's result over the same connection.
func (n *Node) handleRemoteInferenceRequest(from string, payload interface{}) {
	var req remoteInferenceRequest
	if err := decodeInto(payload, &req); err != nil {
		log.Printf("dpc-node: malformed remote inference request from %s: %v", from, err)
		return
	}

	if n.rules == nil || !n.rules.CanRequestInference(from, req.Model) {
		n.p2p.Send(from, "REMOTE_INFERENCE_RESPONSE", inference.RemoteResponse{
			RequestId: req.RequestId,
			Status:    "error",
			Error:     "compute sharing not permitted for this peer or model",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Inference.RemoteTimeout)
	defer cancel()

	result, err := n.infer.Execute(ctx, req.Prompt, "", req.Model, req.Provider, req.Images)
	if err != nil {
		n.p2p.Send(from, "REMOTE_INFERENCE_RESPONSE", inference.RemoteResponse{
			RequestId: req.RequestId,
			Status:    "error",
			Error:     err.Error(),
		})
		return
	}

	n.p2p.Send(from, "REMOTE_INFERENCE_RESPONSE", inference.RemoteResponse{
		RequestId: req.RequestId,
		Status:    "ok",
		Response:  result.Response,
		Model:     result.Model,
		Provider:  result.Provider,
	})
}

func loadAccessRules(homeDir string) (*firewall.AccessRules, error) {
	path := filepath.Join(homeDir, ".dpc_access")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return firewall.Parse([]byte{})
		}
		return nil, err
	}
	return firewall.Parse(data)
}

// Start launches the TLS accept loop, the DHT, and (if configured) the
// Hub signaling client.
func (n *Node) Start() error {
	n.dht.Start()

	ln, err := transport.ListenTLS(n.cfg.ListenAddress, n.cert)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", n.cfg.ListenAddress, err)
	}
	n.listener = ln
	n.tracker.SetDirectTLSAvailable(true)
	n.dht.AnnounceCertificate(n.id.CertificatePEM())

	go n.acceptLoop(ln)

	if n.signal != nil {
		go n.signal.Run()
	}

	return nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go n.acceptOne(tlsConn)
	}
}

func (n *Node) acceptOne(conn *tls.Conn) {
	peer, err := transport.AcceptTLS(conn)
	if err != nil {
		log.Printf("dpc-node: TLS handshake failed: %v", err)
		conn.Close()
		return
	}
	if err := n.p2p.AcceptIncoming(peer); err != nil {
		log.Printf("dpc-node: HELLO handshake failed: %v", err)
	}
}

// Close tears down every owned component, in reverse of startup order.
func (n *Node) Close() {
	if n.listener != nil {
		n.listener.Close()
	}
	if n.signal != nil {
		n.signal.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
}

func parseDpcURI(uri string) (addr, nodeID string, err error) {
	const prefix = "dpc://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("dpc-node: invalid uri %q", uri)
	}
	rest := uri[len(prefix):]
	hostPort := rest
	if idx := indexByte(rest, '?'); idx >= 0 {
		hostPort = rest[:idx]
		query := rest[idx+1:]
		nodeID = valueOf(query, "node_id")
	}
	return hostPort, nodeID, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func valueOf(query, key string) string {
	for _, part := range splitAmp(query) {
		if len(part) > len(key)+1 && part[:len(key)] == key && part[len(key)] == '=' {
			return part[len(key)+1:]
		}
	}
	return ""
}

func splitAmp(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
