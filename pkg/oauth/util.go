package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// CallbackURL derives the callback address from the public base URL, falling
// back to the request origin (honouring proxy headers).
func CallbackURL(r *http.Request, provider, publicBaseURL string) string {
	publicBaseURL = strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if publicBaseURL != "" {
		return fmt.Sprintf("%s/oauth/%s/callback", publicBaseURL, provider)
	}
	if r == nil {
		return ""
	}
	scheme := forwardedProto(r)
	host := forwardedHost(r)
	if scheme == "" {
		scheme = "http"
	}
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s/oauth/%s/callback", scheme, host, provider)
}

func forwardedProto(r *http.Request) string {
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return ""
}

func forwardedHost(r *http.Request) string {
	if host := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); host != "" {
		return host
	}
	return ""
}

// RandomState returns 32 hex characters from crypto/rand.
func RandomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RedirectOrJSON sends the browser to redirectBase with params in the query,
// or writes params as JSON when no redirect is configured.
func RedirectOrJSON(w http.ResponseWriter, r *http.Request, redirectBase string, status int, params map[string]string) {
	redirect := strings.TrimSpace(redirectBase)
	target, err := url.Parse(redirect)
	if redirect == "" || err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(params)
		return
	}
	values := target.Query()
	for key, value := range params {
		if value == "" {
			continue
		}
		values.Set(key, value)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// LogUpsertAttempt records a credential write without the token itself.
func LogUpsertAttempt(logger *zap.SugaredLogger, provider, buyerID, account, accessToken string) {
	if logger == nil {
		return
	}
	tokenState := "empty"
	if accessToken != "" {
		tokenState = "present"
	}
	logger.Infof("oauth upsert attempt provider=%s buyer=%s account=%s token=%s", provider, buyerID, account, tokenState)
}
