// Command provcert issues and verifies authorship provenance certificates.
//
// Usage:
//
//	provcert serve                          run the HTTP API
//	provcert keygen [--out path]            create a signing secret
//	provcert ingest <doc-id> <events.jsonl> store edit events
//	provcert issue <doc-id> --user id       issue a certificate
//	provcert verify <token>                 verify a certificate
//	provcert export <token>                 write the JSON export
//	provcert options <cert-id> --user id    change display options
//
// Configuration is read from --config, or config.{toml,json,yaml} in the
// data directory, with PROVCERT_* environment overrides on top.
package main

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	Execute()
}
