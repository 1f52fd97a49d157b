package server

import (
	"encoding/xml"

	"taskpoints/internal/domain"
	"taskpoints/internal/report"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description"`
	Points      int    `json:"points" minimum:"1"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Points      *int    `json:"points,omitempty"`
}

type CreateUserRequest struct {
	Name   string `json:"name" minLength:"1"`
	Age    int    `json:"age" minimum:"0"`
	Gender string `json:"gender"`
}

type UpdateUserRequest struct {
	Name   *string `json:"name,omitempty"`
	Age    *int    `json:"age,omitempty"`
	Gender *string `json:"gender,omitempty"`
}

type CreateHistoryRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description" required:"false"`
	UserID      int64  `json:"user_id" minimum:"1"`
	TaskID      int64  `json:"task_id" minimum:"1"`
	Finalized   bool   `json:"finalized" required:"false"`
}

type UpdateHistoryRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Finalized   *bool   `json:"finalized,omitempty"`
}

// Response payloads

type HealthResponse struct {
	XMLName xml.Name `json:"-" xml:"health"`
	Status  string   `json:"status" xml:"status"`
}

type WelcomeResponse struct {
	XMLName xml.Name `json:"-" xml:"welcome"`
	Message string   `json:"message" xml:"message"`
	Docs    string   `json:"docs" xml:"docs"`
}

type TaskList struct {
	XMLName xml.Name      `json:"-" xml:"tasks"`
	Items   []domain.Task `json:"items" xml:"task"`
}

type UserList struct {
	XMLName xml.Name      `json:"-" xml:"users"`
	Items   []domain.User `json:"items" xml:"user"`
}

type HistoryList struct {
	XMLName xml.Name         `json:"-" xml:"histories"`
	Items   []domain.History `json:"items" xml:"history"`
}

type RewardList struct {
	XMLName xml.Name        `json:"-" xml:"rewards"`
	Items   []domain.Reward `json:"items" xml:"reward"`
}

type EventList struct {
	XMLName xml.Name       `json:"-" xml:"events"`
	Items   []domain.Event `json:"items" xml:"event"`
}

type SnapshotList struct {
	XMLName xml.Name                `json:"-" xml:"snapshots"`
	Items   []domain.ReportSnapshot `json:"items" xml:"snapshot"`
}

// Handler outputs

type taskOutput struct {
	Body domain.Task
}

type taskListOutput struct {
	Body TaskList
}

type userOutput struct {
	Body domain.User
}

type userListOutput struct {
	Body UserList
}

type historyOutput struct {
	Body domain.History
}

type historyListOutput struct {
	Body HistoryList
}

type rewardOutput struct {
	Body domain.Reward
}

type rewardListOutput struct {
	Body RewardList
}

type eventListOutput struct {
	Body EventList
}

type summaryOutput struct {
	Body report.Summary
}

type logStatsOutput struct {
	Body report.LogStats
}

type snapshotListOutput struct {
	Body SnapshotList
}

type idPath struct {
	ID int64 `path:"id" minimum:"1"`
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
