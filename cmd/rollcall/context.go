package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

type commandContext struct {
	configFlag *string
	debugFlag  *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error

	recognizer *recognition.DlibRecognizer
}

func newCommandContext(configFlag *string, debugFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		debugFlag:  debugFlag,
	}
}

// ensureConfig loads .env, the config file and environment overrides once, then
// initializes logging from the result.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		_ = godotenv.Load()

		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}

		var (
			cfg *config.Config
			err error
		)
		if path != "" {
			cfg, err = config.Load(config.ExpandPath(path))
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if err := cfg.ApplyEnv(); err != nil {
			c.configErr = fmt.Errorf("apply environment: %w", err)
			return
		}
		cfg.ExpandPaths()
		if err := cfg.Validate(); err != nil {
			c.configErr = fmt.Errorf("invalid config: %w", err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}

		level := cfg.Logging.Level
		if c.debugFlag != nil && *c.debugFlag {
			level = "debug"
		}
		if err := logging.Init(level, cfg.Logging.Format, cfg.Logging.File); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
		}
		logging.Debugf("rollcall v%s starting", version)

		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) openDatabase(ctx context.Context) (*database.DB, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return database.Open(ctx, cfg.Database)
}

// loadRecognizer loads the dlib models on first use.
func (c *commandContext) loadRecognizer() (*recognition.DlibRecognizer, error) {
	if c.recognizer != nil {
		return c.recognizer, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	rec := recognition.NewRecognizer()
	rec.SetCNN(cfg.Recognition.CNN)
	if err := rec.LoadModels(cfg.Recognition.ModelPath); err != nil {
		return nil, fmt.Errorf("load models from %s (try 'rollcall models download'): %w", cfg.Recognition.ModelPath, err)
	}
	c.recognizer = rec
	return rec, nil
}

func (c *commandContext) extractor() (enrollment.Extractor, error) {
	rec, err := c.loadRecognizer()
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *commandContext) close() {
	if c.recognizer != nil {
		_ = c.recognizer.Close()
		c.recognizer = nil
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
