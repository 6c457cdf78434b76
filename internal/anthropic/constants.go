package anthropic

import "time"

// OAuth endpoints and client identity for the Claude credential flow.
const (
	ClientID      = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	AuthEndpoint  = "https://claude.ai/oauth/authorize"
	TokenEndpoint = "https://console.anthropic.com/v1/oauth/token"
	RedirectURI   = "https://console.anthropic.com/oauth/code/callback"

	UserAgent  = "claude-cli/1.0.30 (external, cli)"
	BetaHeader = "oauth-2025-04-20"

	Provider = "anthropic"
)

// Scopes requested during sign-in.
var Scopes = []string{"user:inference", "user:profile"}

// Token lifetime characteristics. Tokens last just under eight hours;
// WarningWindow is how far ahead of expiry the UI starts warning.
const (
	TokenLifetime = (7*60 + 50) * time.Minute
	WarningWindow = time.Hour
)
