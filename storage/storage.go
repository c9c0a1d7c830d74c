package storage

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"pms-board/board"
)

const layoutRowKey = "layout"

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides the Azure backed parts of the board: the persisted
// in-column order and the dead-letter queue of failed status updates.
type Storage struct {
	layoutTable tableClient
	failedQueue queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, layoutTable, failedQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	fq, err := azqueue.NewQueueClientFromConnectionString(connStr, failedQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{layoutTable: svc.NewClient(layoutTable), failedQueue: fq}, nil
}

type layoutEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Columns      string `json:"Columns"`
}

// LoadLayout returns the saved column order of a project. A project that
// never saved one yields an empty layout.
func (s *Storage) LoadLayout(ctx context.Context, projectID int64) (board.Layout, error) {
	resp, err := s.layoutTable.GetEntity(ctx, partitionKey(projectID), layoutRowKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return board.Layout{}, nil
		}
		return nil, err
	}
	return decodeLayoutEntity(resp.Value)
}

func decodeLayoutEntity(data []byte) (board.Layout, error) {
	var ent layoutEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	layout := board.Layout{}
	if ent.Columns == "" {
		return layout, nil
	}
	if err := sonic.UnmarshalString(ent.Columns, &layout); err != nil {
		return nil, err
	}
	return layout, nil
}

// SaveLayout replaces the saved column order of a project.
func (s *Storage) SaveLayout(ctx context.Context, projectID int64, layout board.Layout) error {
	cols, err := sonic.MarshalString(layout)
	if err != nil {
		return err
	}
	ent := layoutEntity{
		PartitionKey: partitionKey(projectID),
		RowKey:       layoutRowKey,
		Columns:      cols,
	}
	data, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.layoutTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// FailedUpdate is a status change the backend never acknowledged.
type FailedUpdate struct {
	Change   board.StatusChange `json:"change"`
	Error    string             `json:"error"`
	Attempts int                `json:"attempts"`
	FailedAt time.Time          `json:"failedAt"`
}

// DeadLetter parks a failed update on the failed-updates queue.
func (s *Storage) DeadLetter(ctx context.Context, f FailedUpdate) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.failedQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func partitionKey(projectID int64) string {
	return strconv.FormatInt(projectID, 10)
}
