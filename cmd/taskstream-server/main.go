package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	server "github.com/okkar/taskstream/internal"
	"github.com/okkar/taskstream/internal/config"
	"github.com/okkar/taskstream/internal/eventbus"
	"github.com/okkar/taskstream/internal/generator"
	"github.com/okkar/taskstream/internal/project"
	projectrepo "github.com/okkar/taskstream/internal/project/repositoryimpl"
	"github.com/okkar/taskstream/internal/stream"
	"github.com/okkar/taskstream/internal/task"
	taskrepo "github.com/okkar/taskstream/internal/task/repositoryimpl"
	"github.com/okkar/taskstream/pkg/clog"
	"github.com/okkar/taskstream/pkg/sentinel"
	"github.com/okkar/taskstream/pkg/storage"
	"github.com/okkar/taskstream/pkg/streamclient"
)

var (
	app = kingpin.New("taskstream-server", "Buffered streaming server for long-running task output")

	serveCmd = app.Command("serve", "Run the server").Default()

	sentinelCmd = app.Command("sentinel", "Run the server under the sentinel supervisor")

	watchCmd     = app.Command("watch", "Follow a task's output stream from a running server")
	watchTaskID  = watchCmd.Arg("task-id", "Task to follow").Required().String()
	watchBaseURL = watchCmd.Flag("base-url", "Server base URL").Default("http://localhost:3200").String()
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case sentinelCmd.FullCommand():
		sentinel.Run("serve")
	case serveCmd.FullCommand():
		serve()
	case watchCmd.FullCommand():
		watch()
	}
}

func serve() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup event bus
	bus := eventbus.New()
	defer bus.Close()

	// Setup repositories
	projectRepo, taskRepo, cleanup, err := buildRepositories(env)
	if err != nil {
		slog.Error("failed to set up storage", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Setup services
	projectService := project.NewService(projectRepo, bus)
	taskService := task.NewService(taskRepo, projectRepo, bus)
	projectService.SetTaskPurger(taskService)

	// Setup generator
	source, err := buildSource(env)
	if err != nil {
		slog.Error("failed to set up generator", "error", err)
		os.Exit(1)
	}

	// Setup streaming
	registry := stream.NewRegistry()
	executor := stream.NewExecutor(registry, taskService, source, stream.Config{
		FlushBytes:    env.FlushBytes,
		FlushInterval: env.FlushInterval,
	})

	srv := server.NewServer(
		env,
		project.NewServer(projectService),
		task.NewServer(taskService),
		stream.NewServer(executor),
	)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go eventbus.NewLogger(bus).Start(ctx)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after stream contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// watch tails a task stream against a running server. The liveness window
// comes from the same env the server reads, so a silent stream is flagged
// with the deployment's own threshold.
func watch() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c := streamclient.New(*watchBaseURL, env.APIKey, streamclient.WithLivenessWindow(env.LivenessWindow))
	var printed int
	result, err := c.Stream(ctx, *watchTaskID, func(content string) {
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	})
	if err != nil {
		slog.Error("stream failed", "task_id", *watchTaskID, "error", err)
		os.Exit(1)
	}
	fmt.Printf("\ncompleted: %d tokens\n", result.TokensUsed)
}

// buildRepositories selects the persistence backend. Projects always live on
// the document storage; tasks move to SQLite when configured, which holds up
// better under frequent status updates.
func buildRepositories(env *config.Env) (project.Repository, task.Repository, func(), error) {
	var store storage.Storage
	var err error
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.S3Bucket, env.S3Prefix, env.S3Region)
	default:
		store, err = storage.NewLocalStorage(env.BaseDir)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	projectRepo := projectrepo.NewYAMLRepository(store)

	if env.StorageEnv.Type == "sqlite" {
		sqliteRepo, err := taskrepo.NewSQLiteRepository(env.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return projectRepo, sqliteRepo, func() { sqliteRepo.Close() }, nil
	}
	return projectRepo, taskrepo.NewYAMLRepository(store), func() {}, nil
}

func buildSource(env *config.Env) (generator.Source, error) {
	switch env.GeneratorEnv.Type {
	case "static":
		return generator.NewStaticSource(env.Command, 50*time.Millisecond), nil
	default:
		return generator.NewScriptSource(env.Command, env.WorkDir)
	}
}
