// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	osignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/assistlink/callkit/internal/call"
	"github.com/assistlink/callkit/internal/config"
	"github.com/assistlink/callkit/internal/history"
	"github.com/assistlink/callkit/internal/media"
	"github.com/assistlink/callkit/internal/roomapi"
	"github.com/assistlink/callkit/internal/rtc"
	"github.com/assistlink/callkit/internal/signal"
	"github.com/assistlink/callkit/internal/util"
)

var (
	configPath  = flag.String("config", "config.json", "Path to the config file (created if missing)")
	roomFlag    = flag.String("room", "", "Room name to call directly")
	idFlag      = flag.String("id", "", "Participant identity (generated if empty)")
	bookingFlag = flag.String("booking", "", "Booking id, resolved to a room via the booking API")
	showHistory = flag.Bool("history", false, "Print recent calls and exit")
	showVersion = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("MAIN: created default config at %s", *configPath)
	}
	baseDir := filepath.Dir(*configPath)

	if *showHistory {
		printHistory(cfg, baseDir)
		return
	}

	if err := run(cfg, baseDir); err != nil {
		log.Fatalf("MAIN: %v", err)
	}
}

func run(cfg config.Config, baseDir string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, identity, bookingID, err := resolveRoom(ctx, cfg)
	if err != nil {
		return err
	}
	log.Printf("MAIN: calling room %s as %s", room, identity)

	joiner, closeTransport, err := buildJoiner(ctx, cfg, baseDir, identity)
	if err != nil {
		return err
	}
	defer closeTransport()

	src, err := media.NewDeviceSource()
	if err != nil {
		return fmt.Errorf("media devices: %w", err)
	}

	var hist *history.Store
	if cfg.History.DBPath != "" {
		hist, err = history.Open(util.ResolvePath(baseDir, cfg.History.DBPath))
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer hist.Close()
	}

	mgr := call.NewManager(call.ManagerOptions{
		Join:  joiner,
		Media: src,
		NewPeer: func() (call.PeerConn, error) {
			return rtc.NewPeer(cfg.ICE.Servers, src)
		},
		Constraints: media.Constraints{Width: cfg.Media.Width, Height: cfg.Media.Height},
		History:     hist,
	})
	defer mgr.Close()

	ended := make(chan struct{})
	sess, err := mgr.Dial(room, identity, call.Callbacks{
		OnStatus: func(st call.Status) {
			log.Printf("MAIN: call status %s", st)
		},
		OnEnded: func() { close(ended) },
	})
	if err != nil {
		if sess != nil {
			if class, msg := sess.ErrorInfo(); class != call.ErrClassNone {
				return fmt.Errorf("dial %s: %s (%s)", room, msg, class)
			}
		}
		return fmt.Errorf("dial %s: %w", room, err)
	}

	sigCh := make(chan os.Signal, 1)
	osignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("MAIN: interrupt, hanging up")
		if err := sess.EndCall(); err != nil {
			log.Printf("MAIN: end call: %v", err)
		}
		select {
		case <-ended:
		case <-time.After(3 * time.Second):
		}
	case <-ended:
		if class, msg := sess.ErrorInfo(); class != call.ErrClassNone {
			log.Printf("MAIN: call failed: %s (%s)", msg, class)
		} else {
			log.Printf("MAIN: call ended")
		}
	}

	if bookingID != "" && cfg.API.BaseURL != "" {
		api := roomapi.New(cfg.API.BaseURL, cfg.API.Token)
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := api.Complete(cctx, bookingID); err != nil {
			log.Printf("MAIN: mark booking complete: %v", err)
		}
	}
	return nil
}

// resolveRoom picks the room and identity either directly from flags or via
// the booking backend.
func resolveRoom(ctx context.Context, cfg config.Config) (room, identity, bookingID string, err error) {
	if *bookingFlag != "" {
		if cfg.API.BaseURL == "" {
			return "", "", "", fmt.Errorf("-booking requires api.base_url in the config")
		}
		api := roomapi.New(cfg.API.BaseURL, cfg.API.Token)
		info, err := api.Room(ctx, *bookingFlag)
		if err != nil {
			return "", "", "", err
		}
		return info.RoomName, info.Identity, *bookingFlag, nil
	}

	if *roomFlag == "" {
		return "", "", "", fmt.Errorf("either -room or -booking is required")
	}
	identity = *idFlag
	if identity == "" {
		identity = uuid.NewString()
	}
	return *roomFlag, identity, "", nil
}

// buildJoiner wires the configured signaling transport behind the call
// package's Joiner interface.
func buildJoiner(ctx context.Context, cfg config.Config, baseDir, identity string) (call.Joiner, func(), error) {
	switch cfg.Signaling.Transport {
	case config.TransportPubSub:
		node, err := signal.NewNode(ctx, signal.NodeOptions{
			ListenPort: cfg.Signaling.ListenPort,
			KeyFile:    util.ResolvePath(baseDir, cfg.Identity.KeyFile),
			MdnsTag:    cfg.Signaling.MdnsTag,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("p2p node: %w", err)
		}
		log.Printf("MAIN: p2p node %s", node.ID())
		join := call.JoinFunc(func(ctx context.Context, room string) (call.Signaler, error) {
			return node.Join(ctx, room, identity)
		})
		return join, func() { _ = node.Close() }, nil

	case config.TransportWebsocket:
		join := call.JoinFunc(func(ctx context.Context, room string) (call.Signaler, error) {
			return signal.DialWS(ctx, cfg.Signaling.WSURL, room, identity)
		})
		return join, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown signaling transport %q", cfg.Signaling.Transport)
	}
}

func printHistory(cfg config.Config, baseDir string) {
	if cfg.History.DBPath == "" {
		fmt.Println("history is disabled (history.db_path is empty)")
		return
	}
	hist, err := history.Open(util.ResolvePath(baseDir, cfg.History.DBPath))
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	defer hist.Close()

	recs, err := hist.Recent(20)
	if err != nil {
		log.Fatalf("history: %v", err)
	}
	if len(recs) == 0 {
		fmt.Println("no calls recorded")
		return
	}
	for _, r := range recs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "open"
		}
		line := fmt.Sprintf("%s  %-20s %-12s -> %-12s %s",
			r.StartedAt.Format(time.RFC3339), r.Room, r.SelfID, r.PeerID, outcome)
		if r.ErrorClass != "" {
			line += " (" + r.ErrorClass + ")"
		}
		fmt.Println(line)
	}
}
