package serv

import (
	"time"

	"github.com/creasty/defaults"
)

type Config struct {
	ListenAddress string `yaml:"listenAddress" default:":5001"`
	// BaseURL prefixes the download links in responses, empty gives host relative links
	BaseURL         string        `yaml:"baseURL"`
	AllowedOrigin   string        `yaml:"allowedOrigin" default:"*"`
	ReadTimeout     time.Duration `yaml:"readTimeout" default:"5s"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" default:"5m"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type unmarshalledConfig Config

func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	tmp := new(unmarshalledConfig)
	if err := defaults.Set(tmp); err != nil {
		return err
	}
	if err := unmarshal(tmp); err != nil {
		return err
	}
	*c = Config(*tmp)
	return nil
}
