// Package config provides configuration management for the planmode service.
//
// Configuration is loaded from environment variables using the env package.
// Defaults run everything in memory; only the anthropic provider needs a key.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
