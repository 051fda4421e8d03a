package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// DBCheck probes the relational store.
func DBCheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("op=readiness.db: %w", err)
		}
		return nil
	}
}

// RedisCheck probes the queue/lock/bus backend.
func RedisCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("op=readiness.redis: %w", err)
		}
		return nil
	}
}

// StorageCheck verifies every configured file root is a directory.
func StorageCheck(roots []string) func(context.Context) error {
	return func(context.Context) error {
		for _, root := range roots {
			info, err := os.Stat(root)
			if err != nil {
				return fmt.Errorf("op=readiness.storage: root %s: %w", root, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("op=readiness.storage: root %s is not a directory", root)
			}
		}
		return nil
	}
}

// TranscoderCheck verifies the binary is on the path.
func TranscoderCheck(ffmpegPath string) func(context.Context) error {
	return func(context.Context) error {
		if _, err := exec.LookPath(ffmpegPath); err != nil {
			return fmt.Errorf("op=readiness.transcoder: %w", err)
		}
		return nil
	}
}

// Checks bundles the readiness probes for the health endpoint. Queue,
// lock, and bus share one Redis, so one probe answers for all three.
func Checks(pool *pgxpool.Pool, rdb *redis.Client, roots []string, ffmpegPath string) map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"store":      DBCheck(pool),
		"queue":      RedisCheck(rdb),
		"storage":    StorageCheck(roots),
		"transcoder": TranscoderCheck(ffmpegPath),
	}
}
