package pep

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Address     string `yaml:"address"`
	AuthzIssuer string `yaml:"authz_issuer" validate:"required,url"`
	// TicketClient is the resource server client used to register
	// permission tickets at the authorization server.
	TicketClient        *ClientConfig `yaml:"ticket_client"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"`
	Routes              []RouteConfig `yaml:"routes" validate:"dive"`
}

type ClientConfig struct {
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
}

// RouteConfig protects all requests below Path with a permission on a
// resource set and forwards authorized requests to Upstream.
type RouteConfig struct {
	Path       string   `yaml:"path" validate:"required,startswith=/"`
	ResourceID string   `yaml:"resource_id" validate:"required"`
	Scopes     []string `yaml:"scopes" validate:"required,min=1"`
	Upstream   string   `yaml:"upstream" validate:"required,url"`
}

func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
