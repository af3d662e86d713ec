// Package browser launches or connects to a Chromium browser and opens page
// targets as protocol sessions for frame tracking.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"framekeeper/internal/config"
	"framekeeper/internal/frames"
	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ErrNoPage is returned when the browser has no page target to attach to.
var ErrNoPage = errors.New("no page target")

// Browser owns the debugger connection and, when it launched the browser,
// the browser process.
type Browser struct {
	cfg        config.BrowserConfig
	log        *zap.Logger
	conn       *protocol.Conn
	launcher   *launcher.Launcher
	controlURL string

	mu     sync.Mutex
	closed bool
}

// Connect connects to cfg.DebuggerURL or launches a new browser.
func Connect(ctx context.Context, cfg config.BrowserConfig, log *zap.Logger) (*Browser, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("browser")
	b := &Browser{cfg: cfg, log: log}

	controlURL := cfg.DebuggerURL
	if controlURL != "" {
		u, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return nil, fmt.Errorf("resolve debugger url %s: %w", controlURL, err)
		}
		controlURL = u
		log.Info("Connecting to existing browser", zap.String("url", controlURL))
	} else {
		l := newLauncher(cfg)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		b.launcher = l
		controlURL = u
		log.Info("Launched browser", zap.String("url", controlURL), zap.Bool("headless", cfg.Headless))
	}

	conn, err := protocol.Dial(ctx, controlURL, log)
	if err != nil {
		b.kill()
		return nil, err
	}
	b.conn = conn
	b.controlURL = controlURL
	return b, nil
}

// newLauncher builds the launcher for cfg. Flags are "name" or "name=value",
// leading dashes optional.
func newLauncher(cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.Launch != "" {
		l = l.Bin(cfg.Launch)
	}
	for _, raw := range cfg.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// ControlURL returns the WebSocket debugger URL.
func (b *Browser) ControlURL() string { return b.controlURL }

// Conn is the multiplexed debugger connection.
func (b *Browser) Conn() *protocol.Conn { return b.conn }

// OpenPage creates a page target at url and attaches to it.
func (b *Browser) OpenPage(ctx context.Context, url string) (protocol.Session, error) {
	if url == "" {
		url = "about:blank"
	}
	res, err := proto.TargetCreateTarget{URL: url}.Call(protocol.WithContext(b.conn.Root(), ctx))
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	b.log.Debug("created page", zap.String("target", string(res.TargetID)), zap.String("url", url))
	return b.conn.AttachToTarget(ctx, res.TargetID)
}

// AttachPage attaches to an existing page target. An empty targetID picks the
// first page the browser reports.
func (b *Browser) AttachPage(ctx context.Context, targetID proto.TargetTargetID) (protocol.Session, error) {
	if targetID == "" {
		res, err := proto.TargetGetTargets{}.Call(protocol.WithContext(b.conn.Root(), ctx))
		if err != nil {
			return nil, fmt.Errorf("list targets: %w", err)
		}
		info := firstPage(res.TargetInfos)
		if info == nil {
			return nil, ErrNoPage
		}
		targetID = info.TargetID
	}
	return b.conn.AttachToTarget(ctx, targetID)
}

func firstPage(infos []*proto.TargetTargetInfo) *proto.TargetTargetInfo {
	for _, info := range infos {
		if info != nil && info.Type == proto.TargetTargetInfoTypePage && !strings.HasPrefix(info.URL, "devtools://") {
			return info
		}
	}
	return nil
}

// Navigate starts a navigation of the page served by s.
func Navigate(ctx context.Context, s protocol.Session, url string) error {
	res, err := proto.PageNavigate{URL: url}.Call(protocol.WithContext(s, ctx))
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, res.ErrorText)
	}
	return nil
}

// Track starts a frame manager for page and hands it every out-of-process
// iframe the browser auto-attaches.
func (b *Browser) Track(ctx context.Context, page protocol.Session, opts frames.Options) (*frames.Manager, error) {
	if opts.Logger == nil {
		opts.Logger = b.log
	}
	m := frames.New(page, opts)
	b.conn.OnAttach(func(s protocol.Session, info *proto.TargetTargetInfo) {
		if info.Type != "iframe" {
			return
		}
		if err := m.AttachSession(ctx, s); err != nil && !errors.Is(err, frames.ErrClosed) {
			b.log.Warn("attach frame session",
				zap.String("sid", string(s.GetSessionID())),
				zap.String("target", string(info.TargetID)),
				zap.Error(err))
		}
	})
	if err := m.Initialize(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the connection and kills a launched browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	b.kill()
	return err
}

func (b *Browser) kill() {
	if b.launcher == nil {
		return
	}
	b.launcher.Kill()
	b.launcher.Cleanup()
}
