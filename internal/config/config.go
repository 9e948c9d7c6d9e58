// Package config loads the TOML configuration of the client and of the
// datacenter emulator.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-faster/errors"

	"mtproto_core/internal/mterr"
)

const (
	// DefaultTempKeyTTL is the lifetime of temporary auth keys, one year.
	DefaultTempKeyTTL = 31557600
	DefaultMaxTries   = 5
	DefaultTimeout    = 10
	DefaultDC         = 2
)

type (
	Logging struct {
		Level       string
		Development bool
	}

	Mongo struct {
		URI      string
		Database string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// Authorization controls the key exchange and the temp key binding.
	Authorization struct {
		TempKeyTTL int
		MaxTries   int
	}

	// Query controls ordinary RPC calls.
	Query struct {
		MaxTries int
		Timeout  int
	}

	SecretChats struct {
		// Accept makes incoming chat requests accepted automatically.
		Accept bool
	}

	// Client is the configuration of cmd/client.
	Client struct {
		Name          string
		URL           string
		DC            int
		PublicKeyFile string
		StorageSecret string

		Logging       Logging
		Authorization Authorization
		Query         Query
		SecretChats   SecretChats
		Mongo         Mongo
		Redis         Redis
	}

	DH struct {
		// Prime is the hex encoded DH prime. The published 2048-bit safe
		// prime is used when empty.
		Prime     string
		Generator int
		Version   int
	}

	// Server is the configuration of the datacenter emulator.
	Server struct {
		Listen         string
		DC             int
		PrivateKeyFile string
		// StorageSecret seals permanent keys in mongo. Keys are kept in
		// memory when it is empty.
		StorageSecret string

		Logging Logging
		DH      DH
		Mongo   Mongo
		Redis   Redis
	}
)

func (q Query) TimeoutDuration() time.Duration {
	return time.Duration(q.Timeout) * time.Second
}

func (c *Client) applyDefaults() {
	if c.DC == 0 {
		c.DC = DefaultDC
	}
	if c.Authorization.TempKeyTTL == 0 {
		c.Authorization.TempKeyTTL = DefaultTempKeyTTL
	}
	if c.Authorization.MaxTries == 0 {
		c.Authorization.MaxTries = DefaultMaxTries
	}
	if c.Query.MaxTries == 0 {
		c.Query.MaxTries = DefaultMaxTries
	}
	if c.Query.Timeout == 0 {
		c.Query.Timeout = DefaultTimeout
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "mtproto"
	}
}

// Validate returns a ConfigurationError describing the first invalid
// setting.
func (c *Client) Validate() error {
	switch {
	case c.Name == "":
		return mterr.Configuration("Name is not set")
	case c.URL == "":
		return mterr.Configuration("URL is not set")
	case c.PublicKeyFile == "":
		return mterr.Configuration("PublicKeyFile is not set")
	case c.StorageSecret == "":
		return mterr.Configuration("StorageSecret is not set")
	case c.Authorization.TempKeyTTL < 0:
		return mterr.Configurationf("invalid Authorization.TempKeyTTL %d", c.Authorization.TempKeyTTL)
	case c.Authorization.MaxTries < 1:
		return mterr.Configurationf("invalid Authorization.MaxTries %d", c.Authorization.MaxTries)
	case c.Query.MaxTries < 1:
		return mterr.Configurationf("invalid Query.MaxTries %d", c.Query.MaxTries)
	case c.Query.Timeout < 1:
		return mterr.Configurationf("invalid Query.Timeout %d", c.Query.Timeout)
	}
	return nil
}

func (s *Server) applyDefaults() {
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.DC == 0 {
		s.DC = DefaultDC
	}
	if s.DH.Generator == 0 {
		s.DH.Generator = 3
	}
	if s.DH.Version == 0 {
		s.DH.Version = 1
	}
	if s.Mongo.Database == "" {
		s.Mongo.Database = "mtproto"
	}
}

func (s *Server) Validate() error {
	switch {
	case s.PrivateKeyFile == "":
		return mterr.Configuration("PrivateKeyFile is not set")
	case s.Mongo.URI == "":
		return mterr.Configuration("Mongo.URI is not set")
	case s.Redis.Addr == "":
		return mterr.Configuration("Redis.Addr is not set")
	case s.DH.Generator < 2:
		return mterr.Configurationf("invalid DH.Generator %d", s.DH.Generator)
	}
	return nil
}

func decode(b []byte, v any) error {
	md, err := toml.Decode(string(b), v)
	if err != nil {
		return mterr.Configuration(err.Error())
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return mterr.Configurationf("undecoded keys in config file: %v", undecoded)
	}
	return nil
}

// LoadClient parses, fills defaults and validates a client config body.
func LoadClient(b []byte) (*Client, error) {
	cfg := new(Client)
	if err := decode(b, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClientFile(f string) (*Client, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return LoadClient(b)
}

// LoadServer parses, fills defaults and validates an emulator config body.
func LoadServer(b []byte) (*Server, error) {
	cfg := new(Server)
	if err := decode(b, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadServerFile(f string) (*Server, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return LoadServer(b)
}
