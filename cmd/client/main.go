package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mtproto_core/internal/config"
	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/protocol/secretchat"
	"mtproto_core/internal/repository/authkey"
	"mtproto_core/internal/repository/chat"
	"mtproto_core/internal/service/app"
	"mtproto_core/internal/service/datacenter"
	redisSvc "mtproto_core/internal/service/redis"
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
		Use:   "client [name]",
		Short: "Secret chat client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientFile(configFile)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Name = args[0]
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
	root.Flags().StringVarP(&configFile, "config", "c", "client.toml", "config file")
	return root
}

func run(ctx context.Context, cfg *config.Client) error {
	pub, err := rsakey.LoadPublicKey(cfg.PublicKeyFile)
	if err != nil {
		return err
	}
	secret := []byte(cfg.StorageSecret)

	opt := app.Options{
		URL:           cfg.URL,
		DC:            cfg.DC,
		PublicKeys:    []rsakey.PublicKey{pub},
		TempKeyTTL:    cfg.Authorization.TempKeyTTL,
		AuthMaxTries:  cfg.Authorization.MaxTries,
		QueryMaxTries: cfg.Query.MaxTries,
		Timeout:       cfg.Query.TimeoutDuration(),
		Accept:        cfg.SecretChats.Accept,
		Keys:          datacenter.NewMemoryKeys(),
		Chats:         secretchat.NewMemoryStore(),
	}

	if cfg.Mongo.URI != "" {
		mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		defer func() { _ = mongoDBClient.Disconnect(context.Background()) }()

		repo, err := authkey.NewAuthKeyRepo(mongoDBClient.Database(cfg.Mongo.Database), secret)
		if err != nil {
			return err
		}
		opt.Keys = app.NewUserKeys(repo, cfg.Name)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redis := redisSvc.NewRedis(rdb, "client: ")
		defer redis.Close()
		if err := redis.Ping(ctx); err != nil {
			return err
		}

		chats, err := chat.NewChatRepo(redis, cfg.Name, secret)
		if err != nil {
			return err
		}
		opt.Chats = chats
	}

	c := app.NewApp(opt)
	defer c.Stop()
	return c.Run(ctx, cfg.Name)
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
