package cli

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	knugget "github.com/mrinal-mann/Knugget-new"
)

// loadFileConfig discovers and parses the config file, then layers the
// persistent flag overrides on top.
func loadFileConfig(cmd *cobra.Command) (knugget.FileConfig, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := knugget.DiscoverConfigPath(explicit)
	if err != nil {
		return knugget.FileConfig{}, exitError(exitConfig, "%v", err)
	}

	var cfg knugget.FileConfig
	if found {
		cfg, err = knugget.LoadConfigFile(path)
		if err != nil {
			return knugget.FileConfig{}, exitError(exitConfig, "%v", err)
		}
	}

	if baseURL, _ := cmd.Flags().GetString("base-url"); strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	if storeKind, _ := cmd.Flags().GetString("store"); strings.TrimSpace(storeKind) != "" {
		cfg.Store = storeKind
	}
	return cfg, nil
}

// newLogger builds the command logger. Non-verbose runs only surface
// warnings so command output stays readable.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// buildClient assembles the client from file config and hydrates the
// persisted session. The caller owns Close.
func buildClient(cmd *cobra.Command, cfg knugget.FileConfig, logger *slog.Logger) (*knugget.Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, exitError(exitConfig, "backend base URL is not configured (set base_url in knugget.yaml or pass --base-url)")
	}

	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	st, err := cfg.BuildStore()
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	clientCfg.Store = st
	clientCfg.Logger = logger

	client, err := knugget.New(clientCfg)
	if err != nil {
		_ = st.Close()
		return nil, exitError(exitConfig, "assembling client: %v", err)
	}
	if err := client.Load(cmd.Context()); err != nil {
		_ = client.Close()
		return nil, exitError(exitRuntime, "restoring session: %v", err)
	}
	return client, nil
}

// setupClient is the shared preamble for commands that talk to the
// backend: config discovery, logger, client assembly, session hydration.
func setupClient(cmd *cobra.Command) (*knugget.Client, error) {
	cfg, err := loadFileConfig(cmd)
	if err != nil {
		return nil, err
	}
	return buildClient(cmd, cfg, newLogger(cmd))
}
