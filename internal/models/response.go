package models

import (
	"net/http"

	"github.com/dragonhuntr/lokal/internal/clock"
)

// ResponseModel is the envelope every API response is wrapped in.
type ResponseModel struct {
	Code        int    `json:"code"`
	CurrentTime int64  `json:"currentTime"`
	Text        string `json:"text"`
	Version     int    `json:"version"`
	Data        any    `json:"data,omitempty"`
}

// ListData wraps list-shaped payloads.
type ListData[T any] struct {
	List  []T `json:"list"`
	Count int `json:"count"`
}

// EntryData wraps single-entity payloads.
type EntryData[T any] struct {
	Entry T `json:"entry"`
}

func ResponseCurrentTime(c clock.Clock) int64 {
	return c.NowUnixMilli()
}

func NewOKResponse(data any, c clock.Clock) ResponseModel {
	return ResponseModel{
		Code:        http.StatusOK,
		CurrentTime: ResponseCurrentTime(c),
		Text:        "OK",
		Version:     1,
		Data:        data,
	}
}

func NewListResponse[T any](list []T, c clock.Clock) ResponseModel {
	if list == nil {
		list = []T{}
	}
	return NewOKResponse(ListData[T]{List: list, Count: len(list)}, c)
}

func NewEntryResponse[T any](entry T, c clock.Clock) ResponseModel {
	return NewOKResponse(EntryData[T]{Entry: entry}, c)
}

func NewErrorResponse(code int, text string, c clock.Clock) ResponseModel {
	return ResponseModel{
		Code:        code,
		CurrentTime: ResponseCurrentTime(c),
		Text:        text,
		Version:     1,
	}
}
