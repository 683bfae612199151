package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/convgraph/internal/client"
	"github.com/alfredjeanlab/convgraph/internal/ui"
)

var (
	httpURL    string
	serverAddr string
	transport  string
	jsonOutput bool
	userID     string
	role       string
	scope      string
	colorFlag  string

	cg client.Client
)

func defaultUser() string {
	if s := os.Getenv("CONVGRAPH_USER"); s != "" {
		return s
	}
	if u := activeRemote().User; u != "" {
		return u
	}
	out, err := exec.Command("git", "config", "user.name").Output()
	if err == nil {
		name := strings.TrimSpace(string(out))
		if name != "" {
			return name
		}
	}
	return "anonymous"
}

func defaultHTTPURL() string {
	if s := os.Getenv("CONVGRAPH_HTTP_URL"); s != "" {
		return s
	}
	if u := activeRemote().URL; u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultServer() string {
	if s := os.Getenv("CONVGRAPH_SERVER"); s != "" {
		return s
	}
	if a := activeRemote().GRPCAddr; a != "" {
		return a
	}
	return "localhost:9090"
}

func authToken() string {
	if s := os.Getenv("CONVGRAPH_TOKEN"); s != "" {
		return s
	}
	return activeRemote().Token
}

var rootCmd = &cobra.Command{
	Use:   "cg <command>",
	Short: "CLI client for the conversation graph service",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		mode := ui.ColorModeFromEnv()
		if colorFlag != "" {
			m, err := ui.ParseColorMode(colorFlag)
			if err != nil {
				return err
			}
			mode = m
		}
		ui.SetColor(ui.ColorEnabled(mode, os.Stdout))
		id := client.Identity{UserID: userID, Role: role, GraphID: scope}
		switch transport {
		case "http":
			cg = client.NewHTTPClient(httpURL, authToken(), id)
		case "grpc":
			c, err := client.NewGRPCClient(serverAddr, authToken(), id)
			if err != nil {
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			cg = c
		default:
			return fmt.Errorf("unknown transport %q (must be http or grpc)", transport)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cg != nil {
			cg.Close()
		}
	},
	SilenceUsage: true,
}

// noClient skips client setup for commands that work locally.
func noClient(cmd *cobra.Command, args []string) error { return nil }

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "gRPC server address")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "http", "transport protocol (http or grpc)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&userID, "user", defaultUser(), "user id sent with every request")
	rootCmd.PersistentFlags().StringVar(&role, "role", "", "graph role (owner, editor or viewer)")
	rootCmd.PersistentFlags().StringVar(&scope, "scope", "", "restrict the session to one graph id")
	rootCmd.PersistentFlags().StringVar(&colorFlag, "color", "", "color output: auto, always or never (default $CONVGRAPH_COLOR or auto)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "graphs", Title: "Graphs:"},
		&cobra.Group{ID: "nodes", Title: "Nodes:"},
		&cobra.Group{ID: "views", Title: "Views:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Graphs
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(linkCmd)

	// Nodes
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(startCmd)

	// Views
	rootCmd.AddCommand(ancestryCmd)
	rootCmd.AddCommand(watchCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("Error:"), err)
		os.Exit(1)
	}
}
