package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/raskyld/rendezvous"
	"github.com/raskyld/rendezvous/transport"
	"github.com/spf13/viper"
)

var errIncompleteTLS = errors.New("config: tls.cert, tls.key and tls.ca are all required")

// Config of one machine.
type Config struct {
	MachineID   int64             `mapstructure:"machine_id"`
	Hostname    string            `mapstructure:"hostname"`
	BindAddr    string            `mapstructure:"bind_addr"`
	Port        int               `mapstructure:"port"`
	Neighbours  []string          `mapstructure:"neighbours"`
	Peers       map[string]string `mapstructure:"peers"`
	Ctrl        CtrlConfig        `mapstructure:"ctrl"`
	TLS         TLSConfig         `mapstructure:"tls"`
	LogLevel    string            `mapstructure:"log_level"`
	DialTimeout time.Duration     `mapstructure:"dial_timeout"`
	GracePeriod time.Duration     `mapstructure:"grace_period"`
	LoadTimeout time.Duration     `mapstructure:"load_timeout"`
}

type CtrlConfig struct {
	Host bool   `mapstructure:"host"`
	Addr string `mapstructure:"addr"`
}

type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

func SetDefaults() {
	viper.SetDefault("bind_addr", "0.0.0.0")
	viper.SetDefault("port", 6174)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("dial_timeout", "30s")
	viper.SetDefault("grace_period", "10s")
	viper.SetDefault("load_timeout", "30s")
}

func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// StaticPeers parses the static machine table, keys are machine ids.
func (c *Config) StaticPeers() (map[transport.MachineID]string, error) {
	if len(c.Peers) == 0 {
		return nil, nil
	}
	peers := make(map[transport.MachineID]string, len(c.Peers))
	for key, addr := range c.Peers {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: %w", key, err)
		}
		peers[transport.MachineID(id)] = addr
	}
	return peers, nil
}

func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

func (c *Config) LoadTLS() (*tls.Config, error) {
	if c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "" {
		return nil, errIncompleteTLS
	}

	keypair, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(c.TLS.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}

// Options translates the config into node options.
func (c *Config) Options(handler slog.Handler) ([]rendezvous.Option, error) {
	tlsConf, err := c.LoadTLS()
	if err != nil {
		return nil, err
	}
	peers, err := c.StaticPeers()
	if err != nil {
		return nil, err
	}

	opts := []rendezvous.Option{
		rendezvous.WithMachineID(transport.MachineID(c.MachineID)),
		rendezvous.WithListenOn(c.BindAddr, c.Port),
		rendezvous.WithTlsConfig(tlsConf),
		rendezvous.WithLog(handler),
		rendezvous.WithDialTimeout(c.DialTimeout),
		rendezvous.WithGracePeriod(c.GracePeriod),
		rendezvous.WithLoadTimeout(c.LoadTimeout),
	}
	if c.Hostname != "" {
		opts = append(opts, rendezvous.WithHostname(c.Hostname))
	}
	if len(c.Neighbours) > 0 {
		opts = append(opts, rendezvous.WithNeighbours(c.Neighbours))
	}
	if peers != nil {
		opts = append(opts, rendezvous.WithPeers(peers))
	}
	if c.Ctrl.Host {
		opts = append(opts, rendezvous.WithCtrlServer())
	}
	if c.Ctrl.Addr != "" {
		opts = append(opts, rendezvous.WithCtrlAddr(c.Ctrl.Addr))
	}
	return opts, nil
}
