package eitticket

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

const (
	DefaultPageSize = 20
	DefaultPage     = 1
	MaxPageSize     = 200
)

// PaginationParams defines pagination and filter options for ListTickets.
type PaginationParams struct {
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
	Kind      TicketKind `json:"kind,omitempty"`
	Principal string     `json:"principal,omitempty"`
}

// NormalizePaginationParams returns normalized params.
func NormalizePaginationParams(params *PaginationParams) *PaginationParams {
	if params == nil {
		return &PaginationParams{
			Page:     DefaultPage,
			PageSize: DefaultPageSize,
		}
	}
	if params.Page <= 0 {
		params.Page = DefaultPage
	}
	if params.PageSize <= 0 {
		params.PageSize = DefaultPageSize
	}
	if params.PageSize > MaxPageSize {
		params.PageSize = MaxPageSize
	}
	return params
}

// PaginationResponse represents a paginated response.
type PaginationResponse[T any] struct {
	Data       []T    `json:"data"`
	Total      int64  `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
	DataHash   string `json:"data_hash"`
}

// TicketSummary is the administrative view of a ticket. It omits the
// authentication payload.
type TicketSummary struct {
	ID               string     `json:"id"`
	Kind             TicketKind `json:"kind"`
	Principal        string     `json:"principal,omitempty"`
	Service          string     `json:"service,omitempty"`
	GrantingTicketID string     `json:"granting_ticket_id,omitempty"`
	Policy           string     `json:"policy"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	UseCount         int        `json:"use_count"`
}

// Summarize returns the summary of t.
func Summarize(t *Ticket) TicketSummary {
	s := TicketSummary{
		ID:               t.ID,
		Kind:             t.Kind,
		Principal:        t.PrincipalID(),
		Service:          t.Service,
		GrantingTicketID: t.GrantingTicketID,
		CreatedAt:        t.CreatedAt,
		LastUsedAt:       t.LastUsedAt,
		UseCount:         t.UseCount,
	}
	if t.Policy != nil {
		s.Policy = t.Policy.Name()
	}
	return s
}

// BuildPaginationResponse builds response with computed fields.
func BuildPaginationResponse[T any](data []T, total int64, params *PaginationParams) *PaginationResponse[T] {
	params = NormalizePaginationParams(params)
	pages := int((total + int64(params.PageSize) - 1) / int64(params.PageSize))
	return &PaginationResponse[T]{
		Data:       data,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.PageSize,
		TotalPages: pages,
		DataHash:   GenerateDataHash(data),
	}
}

// GenerateDataHash hashes data for comparison.
func GenerateDataHash(data interface{}) string {
	payload, _ := json.Marshal(data)
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ListTickets returns one page of the registry's unexpired tickets, oldest
// first, optionally filtered by kind and principal.
func ListTickets(ctx context.Context, registry TicketRegistry, params *PaginationParams) (*PaginationResponse[TicketSummary], error) {
	if registry == nil {
		return nil, ErrManagerNil
	}
	params = NormalizePaginationParams(params)

	tickets, err := registry.GetTickets(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*Ticket, 0, len(tickets))
	for _, t := range tickets {
		if params.Kind != "" && t.Kind != params.Kind {
			continue
		}
		if params.Principal != "" && t.PrincipalID() != params.Principal {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	start := (params.Page - 1) * params.PageSize
	end := min(start+params.PageSize, len(matched))
	page := make([]TicketSummary, 0, params.PageSize)
	for i := start; i < end; i++ {
		page = append(page, Summarize(matched[i]))
	}
	return BuildPaginationResponse(page, int64(len(matched)), params), nil
}
