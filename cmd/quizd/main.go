package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"quizsync/core"
	"quizsync/quiz"
	"quizsync/server"
	"quizsync/server/event"
	"quizsync/server/filestore"
	"quizsync/server/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quizd",
		Short: "Collaborative assessment server with optimistic-concurrency saves",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assessment HTTP server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("amqp-url", "", "AMQP broker URL for assessment events (empty disables events)")
	f.String("amqp-exchange", "quizsync", "AMQP exchange name")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [file...]",
		Short: "Load assessment documents from JSON files into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSeed,
	}
	addStoreFlags(cmd)
	return cmd
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("mongo-uri", "", "MongoDB connection URI (empty uses the in-memory store)")
	f.String("mongo-db", "quizsync", "MongoDB database name")
	f.String("redis-addr", "", "Redis address for the document cache (empty disables caching)")
	f.Duration("cache-ttl", 5*time.Minute, "Redis cache entry TTL")
	f.String("badger-path", "", "Badger directory for attachments (empty uses the in-memory file store)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-dev", false, "Use human-readable development log output")
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("QUIZSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("quizsync")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quizsync")
	v.AddConfigPath("/etc/quizsync")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			core.Warn("error reading config file", zap.Error(err))
		}
	} else {
		core.Info("loaded config file", zap.String("path", v.ConfigFileUsed()))
	}

	return v
}

func setupLogging(v *viper.Viper) error {
	return core.ConfigureLogger(v.GetBool("log-dev"), v.GetString("log-level"))
}

// openStore assembles the document store stack from the flags: memory or
// mongo at the bottom, optionally wrapped in a redis read-through cache.
func openStore(ctx context.Context, v *viper.Viper) (store.Store, error) {
	var st store.Store
	if uri := v.GetString("mongo-uri"); uri != "" {
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(uri))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}
		coll := client.Database(v.GetString("mongo-db")).Collection("quizzes")
		st = store.NewMongoStore(coll)
		core.Info("using mongodb document store", zap.String("database", v.GetString("mongo-db")))
	} else {
		st = store.NewMemoryStore()
		core.Warn("using in-memory document store, documents are lost on restart")
	}

	if addr := v.GetString("redis-addr"); addr != "" {
		cached, err := store.NewCachedStore(st, addr, v.GetDuration("cache-ttl"))
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		core.Info("document cache enabled", zap.String("redis", addr))
		st = cached
	}
	return st, nil
}

func openFileStore(v *viper.Viper) (filestore.FileStore, error) {
	if path := v.GetString("badger-path"); path != "" {
		fs, err := filestore.NewBadgerStore(path)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		core.Info("using badger attachment store", zap.String("path", path))
		return fs, nil
	}
	core.Warn("using in-memory attachment store, files are lost on restart")
	return filestore.NewMemoryStore(), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	if err := setupLogging(v); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	st, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer st.Close()

	fs, err := openFileStore(v)
	if err != nil {
		return err
	}
	defer fs.Close()

	opts := []server.ServerOption{}
	if url := v.GetString("amqp-url"); url != "" {
		pub, err := event.NewPublisher(url, v.GetString("amqp-exchange"))
		if err != nil {
			return fmt.Errorf("connect to amqp: %w", err)
		}
		defer pub.Close()
		opts = append(opts, server.WithEvents(pub))
		core.Info("event publishing enabled", zap.String("exchange", v.GetString("amqp-exchange")))
	}

	srv := server.New(st, fs, opts...)
	addr := v.GetString("addr")
	core.Info("starting assessment server", zap.String("addr", addr))
	return http.ListenAndServe(addr, srv.Handler())
}

func runSeed(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	if err := setupLogging(v); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	st, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var doc quiz.Quiz
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		doc.Normalize()
		stored, err := st.Create(ctx, &doc)
		if err != nil {
			return fmt.Errorf("store %s: %w", path, err)
		}
		core.Info("seeded assessment",
			zap.String("path", path),
			zap.String("id", string(stored.ID)),
			zap.Int64("generation", stored.Generation))
	}
	return nil
}
