package tools

import (
	"encoding/base64"
	"net/http"
)

// Auth describes how outbound tool requests authenticate.
type Auth struct {
	Type     string `yaml:"type" json:"type"` // bearer | api-key | basic
	Token    string `yaml:"token,omitempty" json:"token,omitempty"`
	Header   string `yaml:"header,omitempty" json:"header,omitempty"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// headers returns the auth as request headers. A nil Auth has none.
func (a *Auth) headers() map[string]string {
	if a == nil {
		return nil
	}
	switch a.Type {
	case "bearer":
		if a.Token != "" {
			return map[string]string{"Authorization": "Bearer " + a.Token}
		}
	case "api-key", "api_key":
		if a.Header != "" && a.Key != "" {
			return map[string]string{a.Header: a.Key}
		}
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		return map[string]string{"Authorization": "Basic " + cred}
	}
	return nil
}

func (a *Auth) apply(req *http.Request) {
	for k, v := range a.headers() {
		req.Header.Set(k, v)
	}
}
