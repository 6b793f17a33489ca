// Package config handles configuration loading for parlor.
//
// # Configuration File
//
// Location, first match wins:
//
//  1. --config flag
//  2. PARLOR_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/parlor/parlor.yaml (~/.config when unset)
//
// Files ending in .toml are read as TOML; everything else as YAML.
// PARLOR_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${PARLOR_JWT_SECRET}"
//
// # Secret References
//
// auth.jwt_secret, content.api_key and tailscale.auth_key may name an AWS
// SSM parameter instead of a literal value:
//
//	auth:
//	  jwt_secret: "ssm:/parlor/prod/jwt-secret"
//
// Call ResolveSecrets with a paramstore client after Load.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//	database:
//	  path: "~/.local/share/parlor/parlor.db"
//	billing:
//	  costs: {text: 5, image: 10, gift: 25}
//	locks:
//	  ttl: "2m"
//	  sweep_interval: "2m"     # defaults to ttl
//	followups:
//	  first_delay: "30m"
//	  second_delay: "4h"       # must exceed first_delay
//	automation:
//	  history_limit: 20
//	  reply_delay: "3s"
//	  reply_jitter: "5s"
//	  humanize: true
//	content:
//	  provider: "openai"       # openai, none
//	  model: "gpt-4o-mini"
//	  api_key: "${OPENAI_API_KEY}"
//	idempotency:
//	  ttl: "10m"
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text, json
package config
