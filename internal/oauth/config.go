package oauth

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CodeAssistScopes are the scopes the Code Assist proxy requires for
// both the Gemini and Antigravity/Claude families.
var CodeAssistScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
}

// NewGoogleOAuthConfig builds the oauth2.Config shared by Login and
// Refresher, using a fixed local redirect URI for the callback listener.
func NewGoogleOAuthConfig(clientID, clientSecret string, callbackPort int) oauth2.Config {
	return oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  fmt.Sprintf("http://localhost:%d/oauth-callback", callbackPort),
		Scopes:       CodeAssistScopes,
	}
}
