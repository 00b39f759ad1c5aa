// Package main provides the entry point for the Tandem desktop application.
//
// It is a thin native wrapper that embeds the web interface in a webview
// window. The internal web server starts on a random localhost port and the
// window navigates to it; everything else is shared with the tandem CLI.
//
// Build requirements:
//   - CGO_ENABLED=1 (required for webview)
//   - platform webview dependencies (WebKitGTK on Linux, WebView2 on Windows)
package main

import (
	"fmt"
	"os"

	webview "github.com/webview/webview_go"

	"github.com/tandemlabs/tandem/internal/cmd"
	"github.com/tandemlabs/tandem/internal/config"
	"github.com/tandemlabs/tandem/internal/logging"
)

const (
	windowTitle  = "Tandem"
	windowWidth  = 1200
	windowHeight = 820
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	// The desktop app always uses a random port; the window is the only
	// intended client.
	cfg.Web.Port = 0

	if err := logging.Initialize(logging.Config{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	stack, err := cmd.BuildStack(cfg)
	if err != nil {
		return err
	}
	defer stack.Shutdown()

	w := webview.New(false)
	if w == nil {
		return fmt.Errorf("failed to create webview")
	}
	defer w.Destroy()

	w.SetTitle(windowTitle)
	w.SetSize(windowWidth, windowHeight, webview.HintNone)
	w.Navigate(stack.Server.URL())

	// Close the window if a launched runtime dies underneath us.
	if exited := stack.RuntimeExited(); exited != nil {
		go func() {
			<-exited
			w.Dispatch(w.Terminate)
		}()
	}

	w.Run()
	return nil
}
