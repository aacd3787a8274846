// Package config loads and validates the callkit JSON configuration.
// Secrets are never stored in the file; they come from the environment,
// optionally seeded from a .env file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/assistlink/callkit/internal/util"
)

// Transports accepted in signaling.transport.
const (
	TransportPubSub    = "pubsub"
	TransportWebsocket = "websocket"
)

// EnvAPIToken is the environment variable holding the room API bearer token.
const EnvAPIToken = "CALLKIT_API_TOKEN"

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Media     Media     `json:"media"`
	API       API       `json:"api"`
	History   History   `json:"history"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Signaling struct {
	// Transport selects the broadcast channel: "pubsub" (libp2p gossip)
	// or "websocket" (relay server).
	Transport  string `json:"transport"`
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// WSURL is the relay endpoint, required when Transport is "websocket".
	WSURL string `json:"ws_url"`
}

type ICE struct {
	Servers []string `json:"servers"`
}

type Media struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type API struct {
	// BaseURL of the booking backend. Empty disables the room API; rooms
	// are then addressed directly by name.
	BaseURL string `json:"base_url"`

	// Token is read from the environment, never from the file.
	Token string `json:"-"`
}

type History struct {
	// DBPath of the call-history SQLite file. Empty disables history.
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Transport:  TransportPubSub,
			ListenPort: 0,
			MdnsTag:    "callkit-mdns",
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			Width:  1280,
			Height: 720,
		},
		History: History{
			DBPath: "data/history.db",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Signaling
	switch c.Signaling.Transport {
	case TransportPubSub:
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return errors.New("signaling.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Signaling.MdnsTag) == "" {
			return errors.New("signaling.mdns_tag is required")
		}
	case TransportWebsocket:
		ws := strings.TrimSpace(c.Signaling.WSURL)
		if ws == "" {
			return errors.New("signaling.ws_url is required for the websocket transport")
		}
		u, err := url.Parse(ws)
		if err != nil {
			return fmt.Errorf("signaling.ws_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("signaling.ws_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("signaling.ws_url is missing a host")
		}
	default:
		return fmt.Errorf("signaling.transport must be %q or %q", TransportPubSub, TransportWebsocket)
	}

	// ICE
	for _, s := range c.ICE.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			return errors.New("ice.servers must not contain empty entries")
		}
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers entry %q must be a stun:, turn: or turns: URL", s)
		}
	}

	// Media
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return errors.New("media.width and media.height must be > 0")
	}

	// API
	if b := strings.TrimSpace(c.API.BaseURL); b != "" {
		u, err := url.Parse(b)
		if err != nil {
			return fmt.Errorf("api.base_url: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("api.base_url scheme must be http or https")
		}
		if u.Host == "" {
			return errors.New("api.base_url is missing a host")
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv pulls secrets from the environment. A .env file next to the
// working directory seeds it when present; real environment wins.
func (c *Config) applyEnv() {
	_ = godotenv.Load()
	c.API.Token = os.Getenv(EnvAPIToken)
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg.applyEnv()
	return cfg, true, nil
}
