package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"mtproto_core/internal/config"
	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/repository/authkey"
	"mtproto_core/internal/repository/user"
	redisSvc "mtproto_core/internal/service/redis"
	"mtproto_core/internal/service/server"
	"mtproto_core/internal/utils/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:   "server",
		Short: "MTProto datacenter emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerFile(configFile)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "server.toml", "config file")
	root.AddCommand(genkeyCmd())
	return root
}

func genkeyCmd() *cobra.Command {
	var private, public string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the RSA key pair of the datacenter",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return err
			}
			key := rsakey.PrivateKey{RSA: k}
			if err := os.WriteFile(private, rsakey.EncodePrivateKey(key), 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(public, rsakey.EncodePublicKey(key.Public()), 0o644); err != nil {
				return err
			}
			cmd.Printf("fingerprint %d\n", key.Public().Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&private, "private", "server.pem", "private key output")
	cmd.Flags().StringVar(&public, "public", "server.pub", "public key output")
	return cmd
}

func run(ctx context.Context, cfg *config.Server) error {
	key, err := rsakey.LoadPrivateKey(cfg.PrivateKeyFile)
	if err != nil {
		return err
	}
	prime, err := dhPrime(cfg.DH.Prime)
	if err != nil {
		return err
	}

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return errors.Wrap(err, "mongo")
	}
	defer func() { _ = mongoDBClient.Disconnect(context.Background()) }()
	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redis := redisSvc.NewRedis(rdb, "dc: ")
	defer redis.Close()
	if err := redis.Ping(ctx); err != nil {
		return errors.Wrap(err, "redis")
	}

	opt := server.Options{
		DC:         cfg.DC,
		PrivateKey: key,
		Prime:      prime,
		G:          cfg.DH.Generator,
		DHVersion:  cfg.DH.Version,
		Users:      user.NewUserRepo(db),
		Queue:      server.NewRedisQueue(redis),
	}
	if cfg.StorageSecret != "" {
		keys, err := authkey.NewAuthKeyRepo(db, []byte(cfg.StorageSecret))
		if err != nil {
			return err
		}
		opt.Keys = keys
	} else {
		log.Warn("StorageSecret is not set, permanent keys are kept in memory")
	}

	srv, err := server.NewHttpServer(opt)
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Listen)
}

// dhPrime decodes the configured prime. The published 2048-bit safe prime
// is used when none is configured.
func dhPrime(s string) (*big.Int, error) {
	if s == "" {
		log.Info("Using the default 2048-bit DH prime")
		return dh.DefaultPrime(), nil
	}
	p, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, errors.Errorf("invalid DH prime %q", s)
	}
	log.Info("Using configured DH prime", zap.Int("bits", p.BitLen()))
	return p, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
