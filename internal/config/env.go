package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment keys read from the process environment or the profile .env file.
const (
	EnvBaseURL  = "CHATSYNC_BASE_URL"
	EnvEmail    = "CHATSYNC_EMAIL"
	EnvPassword = "CHATSYNC_PASSWORD"
	EnvToken    = "CHATSYNC_TOKEN"
)

// Credentials are secrets kept out of config.toml.
type Credentials struct {
	Email    string
	Password string
	Token    string
}

// HasLogin reports whether an email/password pair is available.
func (c Credentials) HasLogin() bool {
	return c.Email != "" && c.Password != ""
}

// ApplyEnv reads envPath (if present) and the process environment, applies
// the base URL override to cfg and returns the credentials. Process
// environment wins over the file.
func ApplyEnv(cfg *Config, envPath string) Credentials {
	file, err := godotenv.Read(envPath)
	if err != nil {
		file = map[string]string{}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return file[key]
	}

	if v := lookup(EnvBaseURL); v != "" {
		cfg.Server.BaseURL = v
	}
	return Credentials{
		Email:    lookup(EnvEmail),
		Password: lookup(EnvPassword),
		Token:    lookup(EnvToken),
	}
}
