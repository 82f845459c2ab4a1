// Package storage provides the read-only task read model backing the filter
// engine. Tasks are written by the external CRUD service; this module only
// fetches and caches them.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"crest-api/domain"
)

// Storage reads tasks from Azure Table storage, partitioned by workspace.
type Storage struct {
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
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
	return &Storage{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	BoardID     string `json:"BoardId"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority"`
	StartDate   string `json:"StartDate"`
	DueDate     string `json:"DueDate"`
	Points      *int   `json:"Points"`
	TagIDs      string `json:"TagIds"`
	AssigneeIDs string `json:"AssigneeIds"`
}

// FetchTasks retrieves every task of the given workspace.
func (s *Storage) FetchTasks(ctx context.Context, workspaceID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + workspaceID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(ent))
		}
	}
	return tasks, nil
}

func taskFromEntity(ent taskEntity) domain.Task {
	return domain.Task{
		ID:          ent.RowKey,
		BoardID:     ent.BoardID,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Priority:    domain.Priority(ent.Priority),
		StartDate:   parseDate(ent.StartDate),
		DueDate:     parseDate(ent.DueDate),
		Points:      ent.Points,
		TagIDs:      splitIDs(ent.TagIDs),
		AssigneeIDs: splitIDs(ent.AssigneeIDs),
	}
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &ts
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
