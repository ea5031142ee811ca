package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validatePlatform(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.BaseURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("server.base_url is required. Edit %s (create with 'fleetagent config init')", defaultPath)
	}
	if err := validateHTTPURL("server.base_url", c.Server.BaseURL); err != nil {
		return err
	}
	if err := validateHTTPURL("server.secondary_base_url", c.Server.SecondaryBaseURL); err != nil {
		return err
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", field, raw)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.RefreshInterval < 0 {
		return errors.New("workflow.refresh_interval must be >= 0")
	}
	if c.Workflow.DigestWorkers > 64 {
		return errors.New("workflow.digest_workers must be <= 64")
	}
	return nil
}

func (c *Config) validatePlatform() error {
	switch c.Platform.Privileged {
	case PrivilegeAuto, PrivilegeAlways, PrivilegeNever:
	default:
		return fmt.Errorf("platform.privileged must be one of auto, always, never, got %q", c.Platform.Privileged)
	}
	for name, cmds := range c.Platform.Capabilities {
		if strings.TrimSpace(name) == "" {
			return errors.New("platform.capabilities contains an empty capability name")
		}
		if cmds.Check == "" && cmds.Prompt != "" {
			return fmt.Errorf("platform.capabilities.%s: prompt requires a check command", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format must be auto, console, or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
