// Package integration holds the per-organisation connection definitions for
// external IoT platforms.
//
// An Integration describes how to reach one platform: its type, the sealed
// credential blob, the base endpoint, type-specific settings, the permitted
// sync direction and the default conflict strategy. Everything else in the
// engine reads integrations through the Registry, which caches them by ID and
// hands out copies.
//
// Credentials are only ever persisted sealed (XChaCha20-Poly1305 under a key
// derived from security.encryption_key). Registry.Credentials is the single
// place they are opened.
//
// Usage:
//
//	sealer, err := integration.NewSealer(cfg.Security.EncryptionKey)
//	repo := integration.NewSQLRepository(db.DB)
//	registry := integration.NewRegistry(repo, sealer)
//	registry.SetLogger(log)
//
//	err = registry.Create(ctx, &integration.Integration{
//	    OrganizationID: "org-1",
//	    Name:           "Golioth prod",
//	    Type:           integration.TypeGolioth,
//	    Settings:       database.JSONMap{"project_id": "fleet"},
//	}, integration.Credentials{"api_key": "..."})
package integration
