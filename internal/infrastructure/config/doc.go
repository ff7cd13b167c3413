// Package config handles loading and validating Gray Logic Sync configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYSYNC_* environment variables (optionally from a .env file)
//   - Validation of required fields
//   - Reloading on file change for settings that can change at runtime
//
// Security Considerations:
//   - The JWT secret and credential encryption key must come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
