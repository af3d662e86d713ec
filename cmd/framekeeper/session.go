package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"framekeeper/internal/browser"
	"framekeeper/internal/config"
	"framekeeper/internal/frames"
	"framekeeper/internal/logging"
	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// tracked is a browser page with a running frame manager.
type tracked struct {
	browser *browser.Browser
	frames  *frames.Manager
	watcher *config.Watcher
}

// frameOptions maps the frames section of c onto manager options.
func frameOptions(c *config.Config, log *zap.Logger) frames.Options {
	return frames.Options{
		SwapGracePeriod:   c.GetSwapGracePeriod(),
		FrameWaitTimeout:  c.GetFrameWaitTimeout(),
		CommandTimeout:    c.GetCommandTimeout(),
		UtilityWorldName:  c.Frames.UtilityWorldName,
		LifecycleLogLimit: c.Frames.LifecycleLogLimit,
		AutoAttach:        c.Frames.AutoAttach,
		Logger:            logging.For(log, c.Logging, logging.CategoryFrames),
	}
}

// startTracking connects to the browser and starts a frame manager on the
// selected page. The config file, when present, is watched for log level and
// grace period changes.
func startTracking(ctx context.Context) (*tracked, error) {
	b, err := browser.Connect(ctx, cfg.Browser, logging.For(logger, cfg.Logging, logging.CategoryBrowser))
	if err != nil {
		return nil, err
	}

	page, err := openPage(ctx, b, cfg)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	m, err := b.Track(ctx, page, frameOptions(cfg, logger))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("track page: %w", err)
	}

	t := &tracked{browser: b, frames: m}
	if _, err := os.Stat(configPath); err == nil {
		t.watcher, err = config.NewWatcher(configPath, logging.For(logger, cfg.Logging, logging.CategoryConfig), func(next *config.Config) {
			applyReload(m, next)
		})
		if err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else if err := t.watcher.Start(ctx); err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
			t.watcher = nil
		}
	}
	return t, nil
}

// openPage attaches to --target, to the first page of a running browser, or
// opens the start URL.
func openPage(ctx context.Context, b *browser.Browser, c *config.Config) (page protocol.Session, err error) {
	switch {
	case targetID != "":
		return b.AttachPage(ctx, proto.TargetTargetID(targetID))
	case c.Browser.DebuggerURL != "":
		page, err = b.AttachPage(ctx, "")
		if !errors.Is(err, browser.ErrNoPage) {
			return page, err
		}
	}
	return b.OpenPage(ctx, c.Browser.StartURL)
}

// applyReload pushes the settings that can change at runtime.
func applyReload(m *frames.Manager, next *config.Config) {
	if err := logging.SetLevel(logLevel, next.Logging.Level); err != nil {
		logger.Warn("ignoring log level", zap.String("level", next.Logging.Level), zap.Error(err))
	}
	m.SetSwapGracePeriod(next.GetSwapGracePeriod())
	logger.Info("config reloaded",
		zap.String("level", next.Logging.Level),
		zap.Duration("swap_grace", next.GetSwapGracePeriod()))
}

func (t *tracked) Close() error {
	if t.watcher != nil {
		t.watcher.Stop()
	}
	err := t.frames.Close()
	if cerr := t.browser.Close(); err == nil {
		err = cerr
	}
	return err
}

// commandContext bounds ctx by --timeout, falling back to browser.timeout.
func commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := timeout
	if d <= 0 {
		d = cfg.GetBrowserTimeout()
	}
	return context.WithTimeout(ctx, d)
}
