package config

// ServerConfig configures the control-plane HTTP listener.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}
