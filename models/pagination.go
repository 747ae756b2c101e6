package models

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

const cursorTimeLayout = "2006-01-02 15:04:05.000000"

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type PageInfo struct {
	StartCursor string `json:"start_cursor"`
	EndCursor   string `json:"end_cursor"`
	HasNextPage bool   `json:"has_next_page"`
}

type Cursor interface {
	GetCursor() string
}

type Identifier interface {
	GetId() int
}

type CompositeCursor interface {
	Cursor
	Identifier
}

func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func DecodeCompositeCursor(cursor string) (string, int) {
	if cursor == "" {
		return "", 0
	}

	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return "", 0
	}

	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0
	}

	return parts[0], id
}

func EncodeCompositeCursor(value string, id int) string {
	cursor := fmt.Sprintf("%s|%d", value, id)
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

// FetchPageCompositeCursor pages newest first on (cursorColumn, id).
func FetchPageCompositeCursor[T CompositeCursor](dbCtx *gorm.DB,
	limit int,
	after string,
	cursorColumn string,
) ([]T, *PageInfo, error) {

	limit = ClampPageSize(limit)
	nodes := make([]T, 0)

	dbCtx = dbCtx.Order(cursorColumn + " DESC, id DESC")

	decodedCursor, cursorId := DecodeCompositeCursor(after)
	if decodedCursor != "" {
		dbCtx = dbCtx.Where(
			// [1] = column
			fmt.Sprintf("%[1]s < ? OR (%[1]s = ? AND id < ?)", cursorColumn),
			decodedCursor, decodedCursor, cursorId)
	}

	if err := dbCtx.Limit(limit + 1).Find(&nodes).Error; err != nil {
		return nil, nil, err
	}
	return buildPage(nodes, limit)
}

// PageSlice applies the same newest-first composite cursor to an in-memory
// slice. Used by the memory store.
func PageSlice[T CompositeCursor](items []T, limit int, after string) ([]T, *PageInfo, error) {
	limit = ClampPageSize(limit)
	sorted := SortNewestFirst(items)

	decodedCursor, cursorId := DecodeCompositeCursor(after)
	start := 0
	if decodedCursor != "" {
		start = len(sorted)
		for i, n := range sorted {
			c := n.GetCursor()
			if c < decodedCursor || (c == decodedCursor && n.GetId() < cursorId) {
				start = i
				break
			}
		}
	}
	end := start + limit + 1
	if end > len(sorted) {
		end = len(sorted)
	}
	return buildPage(sorted[start:end], limit)
}

// SortNewestFirst returns a copy ordered by (cursor DESC, id DESC).
func SortNewestFirst[T CompositeCursor](items []T) []T {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].GetCursor(), sorted[j].GetCursor()
		if ci != cj {
			return ci > cj
		}
		return sorted[i].GetId() > sorted[j].GetId()
	})
	return sorted
}

func buildPage[T CompositeCursor](nodes []T, limit int) ([]T, *PageInfo, error) {
	pageInfo := &PageInfo{}
	if len(nodes) > limit {
		pageInfo.HasNextPage = true
		nodes = nodes[:limit]
	}
	if len(nodes) > 0 {
		first, last := nodes[0], nodes[len(nodes)-1]
		pageInfo.StartCursor = EncodeCompositeCursor(first.GetCursor(), first.GetId())
		pageInfo.EndCursor = EncodeCompositeCursor(last.GetCursor(), last.GetId())
	}
	return nodes, pageInfo, nil
}
