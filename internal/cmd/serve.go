package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	servePort       int
	serveRuntimeURL string
	serveNoRuntime  bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tandem web interface",
	Long: `Start the localhost web server and connect to the agent runtime.

If the configuration specifies a runtime command, the runtime process is
launched first and shut down with the server.

Example:
  tandem serve                                  # Use settings.yaml
  tandem serve --port 3000                      # Custom web port
  tandem serve --port 0                         # Random free port
  tandem serve --runtime-url ws://127.0.0.1:7001/agent
  tandem serve --no-runtime                     # Never launch a runtime process`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Web server port (overrides config; 0 keeps the configured port)")
	serveCmd.Flags().StringVar(&serveRuntimeURL, "runtime-url", "", "Agent runtime WebSocket URL (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoRuntime, "no-runtime", false, "Connect to an already-running runtime instead of launching one")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = servePort
	}
	if serveRuntimeURL != "" {
		cfg.Runtime.URL = serveRuntimeURL
	}
	if serveNoRuntime {
		cfg.Runtime.Command = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	stack, err := BuildStack(cfg)
	if err != nil {
		return err
	}
	defer stack.Shutdown()

	fmt.Printf("Tandem listening on %s\n", stack.Server.URL())
	fmt.Printf("Agent runtime: %s\n", cfg.Runtime.URL)
	fmt.Printf("\nPress Ctrl+C to stop\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down\n", sig)
		return nil
	case err := <-stack.RuntimeExited():
		if err != nil {
			return fmt.Errorf("agent runtime exited: %w", err)
		}
		return fmt.Errorf("agent runtime exited unexpectedly")
	}
}
