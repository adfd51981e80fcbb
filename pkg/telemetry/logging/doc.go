// Package logging builds the process logger: log/slog with a JSON or text
// handler, optional rotating file output through lumberjack, and a
// wrapping handler that redacts PII and appends request fields carried by
// the context.
//
// # Usage
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging))
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	logger.SetDefault()
//
//	ctx = logging.WithTenantID(ctx, "acme")
//	logger.InfoContext(ctx, "deduction accepted", "cost", "0.02")
//	// {"level":"INFO","msg":"deduction accepted","cost":"0.02","tenant_id":"acme"}
//
// # PII Redaction
//
// With RedactPII enabled, string attributes are scanned for:
//
//   - API keys: sk-abc123xyz789 → sk-***
//   - Emails: user@example.com → u***@example.com
//   - Phone numbers: +15551234567 → ***4567
//   - Card numbers: 4111 1111 1111 1111 → ****-****-****-1111
//
// Attributes whose key names a secret (token, password, dsn, ...) are
// masked entirely.
package logging
