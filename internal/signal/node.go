package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// TopicPrefix namespaces call signaling topics so unrelated gossipsub traffic
// on the same host never reaches a call room.
const TopicPrefix = "assistlink.call.v1."

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node owns the libp2p host and gossipsub router that back pubsub signaling
// channels. One Node serves any number of rooms.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub
	md   mdns.Service
}

// NodeOptions configures NewNode.
type NodeOptions struct {
	// ListenPort is the TCP port for the libp2p host. 0 picks a free port.
	ListenPort int
	// KeyFile is the path of the persistent identity key. Empty means an
	// ephemeral key is generated for this process.
	KeyFile string
	// MdnsTag, when non-empty, enables LAN peer discovery under that tag.
	MdnsTag string
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	_ = n.h.Connect(context.Background(), pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(keyFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, err
	}
	log.Printf("SIGNAL: generated new identity key: %s", keyFile)
	return priv, nil
}

// NewNode starts a libp2p host with a gossipsub router.
func NewNode(ctx context.Context, opts NodeOptions) (*Node, error) {
	hostOpts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}
	if opts.KeyFile != "" {
		priv, err := loadOrCreateKey(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, err
	}

	n := &Node{host: h}

	if opts.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
		n.md = md
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	n.ps = ps

	log.Printf("SIGNAL: node up, peer id %s", h.ID())
	return n, nil
}

// ID returns the libp2p peer ID of the node.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// Close shuts the host down. Any channels joined through this node stop
// delivering afterwards.
func (n *Node) Close() error {
	if n.md != nil {
		_ = n.md.Close()
	}
	return n.host.Close()
}
