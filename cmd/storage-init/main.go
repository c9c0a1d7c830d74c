// Command storage-init creates the Azure table holding board layouts and the
// queue collecting failed status updates. Existing resources are left as is.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"pms-board/internal/env"
)

const queueAlreadyExists = "QueueAlreadyExists"

type tableCreator interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

type queueCreator interface {
	Create(ctx context.Context, options *azqueue.CreateOptions) (azqueue.CreateResponse, error)
}

func main() {
	debug, err := env.Bool("DEBUG", false)
	if err != nil {
		log.Fatal(err)
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := env.String("STORAGE_CONNECTION_STRING", "")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	layoutTable := env.String("LAYOUT_TABLE", "BoardLayouts")
	failedQueue := env.String("FAILED_UPDATES_QUEUE", "failed-status-updates")
	attempts, err := env.Int("STORAGE_INIT_ATTEMPTS", 10)
	if err != nil {
		log.Fatal(err)
	}
	delay, err := env.Dur("STORAGE_INIT_DELAY", 2*time.Second)
	if err != nil {
		log.Fatal(err)
	}

	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		log.Fatalf("table service: %v", err)
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, failedQueue, nil)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}

	ctx := context.Background()
	err = retry(ctx, attempts, delay, func(ctx context.Context) error {
		return ensureTable(ctx, svc.NewClient(layoutTable))
	})
	if err != nil {
		log.Fatalf("create table %s: %v", layoutTable, err)
	}
	log.WithField("table", layoutTable).Info("layout table ready")

	err = retry(ctx, attempts, delay, func(ctx context.Context) error {
		return ensureQueue(ctx, q)
	})
	if err != nil {
		log.Fatalf("create queue %s: %v", failedQueue, err)
	}
	log.WithField("queue", failedQueue).Info("failed updates queue ready")

	log.Info("storage init complete")
}

func ensureTable(ctx context.Context, c tableCreator) error {
	_, err := c.CreateTable(ctx, nil)
	if alreadyExists(err, string(aztables.TableAlreadyExists)) {
		return nil
	}
	return err
}

func ensureQueue(ctx context.Context, c queueCreator) error {
	_, err := c.Create(ctx, nil)
	if alreadyExists(err, queueAlreadyExists) {
		return nil
	}
	return err
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

// retry runs fn until it succeeds or attempts are used up.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.WithError(err).WithField("attempt", i).Warn("storage not ready, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
