package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DeletePolicyKeep    = "keep"
	DeletePolicyRestore = "restore"
)

// ClientConfig configures the terminal client.
type ClientConfig struct {
	APIURL          string        `mapstructure:"API_URL"`
	Token           string        `mapstructure:"TOKEN"`
	RefetchInterval time.Duration `mapstructure:"REFETCH_INTERVAL"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DeletePolicy    string        `mapstructure:"DELETE_POLICY"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
}

func NewClientConfig() (*ClientConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKMARKER")

	v.SetDefault("API_URL", "http://localhost:1323")
	v.SetDefault("TOKEN", "")
	v.SetDefault("REFETCH_INTERVAL", 2*time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("DELETE_POLICY", DeletePolicyKeep)
	v.SetDefault("LOG_LEVEL", "warn")

	envs := []string{"API_URL", "TOKEN", "REFETCH_INTERVAL", "REQUEST_TIMEOUT", "DELETE_POLICY", "LOG_LEVEL"}
	for _, key := range envs {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	cfg := ClientConfig{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Validate is exported so flag overrides can be re-checked.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return errors.Wrap(err, "api url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New(fmt.Sprintf("api url scheme must be http or https: %s", c.APIURL))
	}

	c.DeletePolicy = strings.ToLower(c.DeletePolicy)
	if c.DeletePolicy != DeletePolicyKeep && c.DeletePolicy != DeletePolicyRestore {
		return errors.New(fmt.Sprintf("delete policy is invalid: %s", c.DeletePolicy))
	}

	if c.RefetchInterval < 0 {
		return errors.New("refetch interval must not be negative")
	}

	return nil
}
