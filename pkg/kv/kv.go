// Package kv builds go-redis client options from a declarative Config,
// including optional TLS and mutual TLS for connecting to a Redis Stream /
// cache tier deployed behind TLS termination.
package kv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

// Config describes how to reach a Redis instance.
type Config struct {
	Hostname string
	Port     int
	Password string
	DB       int

	// CaCertFile, when set, enables TLS and is used to validate the
	// server's certificate.
	CaCertFile string
	// CertFile and KeyFile add a client certificate for mutual TLS. They
	// are read only when CaCertFile is set; without it no TLS is configured.
	CertFile string
	KeyFile  string
}

// ConfigToRedisOptions translates cfg into go-redis client options, loading
// and parsing any configured TLS material.
func ConfigToRedisOptions(cfg *Config) (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	if cfg.CaCertFile == "" {
		return opts, nil
	}

	caPEM, err := os.ReadFile(cfg.CaCertFile)
	if err != nil {
		return nil, fmt.Errorf("reading ca cert file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in %s", cfg.CaCertFile)
	}

	tlsConfig := &tls.Config{
		RootCAs: pool,
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	opts.TLSConfig = tlsConfig
	return opts, nil
}

// NewClient builds a go-redis client from cfg.
func NewClient(cfg *Config) (*redis.Client, error) {
	opts, err := ConfigToRedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
