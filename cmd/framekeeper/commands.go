package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"framekeeper/internal/browser"
	"framekeeper/internal/frames"
	"framekeeper/internal/inspect"
	"framekeeper/internal/logging"

	"github.com/go-rod/rod/lib/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	evalUtility bool
	evalFrame   string
	treeJSON    bool
	serveListen string
)

// watchCmd logs frame lifecycle events until interrupted.
var watchCmd = &cobra.Command{
	Use:   "watch [url]",
	Short: "Log frame lifecycle events until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

// treeCmd prints the current frame tree.
var treeCmd = &cobra.Command{
	Use:   "tree [url]",
	Short: "Print the frame tree of a page",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTree,
}

// evalCmd evaluates an expression in a frame.
var evalCmd = &cobra.Command{
	Use:   "eval [expression]",
	Short: "Evaluate a JavaScript expression in a frame",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

// serveCmd exposes frame trees and metrics over HTTP.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live frame tree and metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// navigateIfAsked loads args[0] in the main frame, if given.
func navigateIfAsked(ctx context.Context, t *tracked, args []string) error {
	if len(args) == 0 {
		return nil
	}
	main := t.frames.MainFrame()
	if main == nil {
		return frames.ErrFrameNotFound
	}
	return browser.Navigate(ctx, main.Session(), args[0])
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	t, err := startTracking(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	log := logging.For(logger, cfg.Logging, logging.CategoryFrames).Named("events")
	cancel := t.frames.Subscribe(func(ev frames.Event) {
		log.Info(string(ev.Type), eventFields(ev)...)
	})
	defer cancel()

	if err := navigateIfAsked(ctx, t, args); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	logger.Info("watching frames, press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

// eventFields renders ev as log fields.
func eventFields(ev frames.Event) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if f := ev.Frame; f != nil {
		fields = append(fields,
			zap.String("frame", string(f.ID())),
			zap.String("url", f.URL()))
		if p := f.ParentID(); p != "" {
			fields = append(fields, zap.String("parent", string(p)))
		}
		if f.IsOOPFrame() {
			fields = append(fields, zap.Bool("oop", true))
		}
	}
	if ev.Lifecycle != "" {
		fields = append(fields, zap.String("lifecycle", ev.Lifecycle))
	}
	if ev.Navigation != "" {
		fields = append(fields, zap.String("navigation", string(ev.Navigation)))
	}
	if ev.Binding != nil {
		fields = append(fields, zap.String("binding", ev.Binding.Name))
	}
	return fields
}

func runTree(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	t, err := startTracking(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := navigateIfAsked(ctx, t, args); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	snap := t.frames.Snapshot()
	if snap == nil {
		return frames.ErrFrameNotFound
	}
	if treeJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printTree(cmd.OutOrStdout(), snap, 0)
	return nil
}

// printTree writes one line per frame, children indented under parents.
func printTree(w io.Writer, s *frames.FrameSnapshot, depth int) {
	line := strings.Repeat("  ", depth) + s.ID
	if s.Name != "" {
		line += " (" + s.Name + ")"
	}
	line += " " + s.URL
	if s.OOP {
		line += " [oop]"
	}
	if s.Loading {
		line += " [loading]"
	}
	fmt.Fprintln(w, line)
	for _, c := range s.Children {
		printTree(w, c, depth+1)
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	t, err := startTracking(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	f := t.frames.MainFrame()
	if evalFrame != "" {
		f = t.frames.Frame(proto.PageFrameID(evalFrame))
	}
	if f == nil {
		return frames.ErrFrameNotFound
	}

	realm := f.MainRealm()
	if evalUtility {
		realm = f.IsolatedRealm()
	}
	res, err := realm.Evaluate(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.JSON("", "  "))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	t, err := startTracking(ctx)
	if err != nil {
		return err
	}
	defer t.Close()

	addr := serveListen
	if addr == "" {
		addr = cfg.Inspect.Listen
	}
	log := logging.For(logger, cfg.Logging, logging.CategoryInspect)
	return inspect.Serve(ctx, addr, inspect.New(t.frames, prometheus.DefaultGatherer, log), log)
}
