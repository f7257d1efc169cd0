package redis

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

var errEmptyNodeList = errors.New("redis: cluster config has no seed nodes")

// clusterConfigFile is the YAML surface of ClusterConfig, letting the
// wire-facing field names (snake_case, as the rest of the pack's yaml.v3
// users write their manifests) differ from the Go-facing ones.
type clusterConfigFile struct {
	Nodes           []string `yaml:"nodes"`
	MaxRedirections uint32   `yaml:"max_redirections"`
	Password        string   `yaml:"password"`
	DB              int      `yaml:"db"`
	TLS             bool     `yaml:"tls"`
}

// LoadClusterConfig parses a YAML cluster bootstrap file into a
// ClusterConfig, per §6's config file surface.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f clusterConfigFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	cfg := ClusterConfig{
		Nodes:           f.Nodes,
		MaxRedirections: f.MaxRedirections,
		Password:        f.Password,
		DB:              f.DB,
		TLS:             f.TLS,
	}
	if len(cfg.Nodes) == 0 {
		return nil, &ConnectError{Addr: path, Err: errEmptyNodeList}
	}
	return &cfg, nil
}
