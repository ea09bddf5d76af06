package server

import (
	"encoding/json"

	"taskmatch/internal/domain"
	"taskmatch/internal/engine"
)

// Request payloads

type PostTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Subject     string  `json:"subject"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Deadline    string  `json:"deadline" format:"date-time"`
}

type RegisterExpertRequest struct {
	ID                 string         `json:"id"`
	DisplayName        string         `json:"display_name"`
	Subjects           []string       `json:"subjects"`
	MinPrice           float64        `json:"min_price"`
	MaxPrice           float64        `json:"max_price"`
	Level              *string        `json:"level,omitempty"`
	RatingAvg          float64        `json:"rating_avg,omitempty"`
	RatingCount        int            `json:"rating_count,omitempty"`
	AcceptRate         float64        `json:"accept_rate,omitempty"`
	MedianResponseMins float64        `json:"median_response_mins,omitempty"`
	CompletedBySubject map[string]int `json:"completed_by_subject,omitempty"`
}

type SubmitRequest struct {
	Submission map[string]any `json:"submission"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RespondInviteRequest struct {
	Response string `json:"response" enum:"accepted,declined"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type TaskResponse struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Subject       string         `json:"subject"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Price         float64        `json:"price"`
	Deadline      string         `json:"deadline" format:"date-time"`
	Status        string         `json:"status" enum:"open,reserved,claimed,submitted,completed"`
	ExpertID      *string        `json:"expert_id,omitempty"`
	ReservedBy    *string        `json:"reserved_by,omitempty"`
	ReservedUntil *string        `json:"reserved_until,omitempty" format:"date-time"`
	InvitedNow    int            `json:"invited_now"`
	NextWaveAt    *string        `json:"next_wave_at,omitempty" format:"date-time"`
	Submission    map[string]any `json:"submission,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
}

type ExpertResponse struct {
	ID                 string         `json:"id"`
	DisplayName        string         `json:"display_name"`
	Subjects           []string       `json:"subjects"`
	MinPrice           float64        `json:"min_price"`
	MaxPrice           float64        `json:"max_price"`
	Level              string         `json:"level,omitempty"`
	RatingAvg          float64        `json:"rating_avg"`
	RatingCount        int            `json:"rating_count"`
	AcceptRate         float64        `json:"accept_rate"`
	MedianResponseMins float64        `json:"median_response_mins"`
	CompletedBySubject map[string]int `json:"completed_by_subject,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
}

type InviteResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	ExpertID    string  `json:"expert_id"`
	SentAt      string  `json:"sent_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
	Status      string  `json:"status" enum:"sent,accepted,declined"`
	LastScore   float64 `json:"last_score"`
}

type ReservationResponse struct {
	TaskID        string `json:"task_id"`
	ReservedBy    string `json:"reserved_by"`
	ReservedUntil string `json:"reserved_until" format:"date-time"`
	RemainingMS   int64  `json:"remaining_ms"`
}

type MatchingStatusResponse struct {
	Task        TaskResponse         `json:"task"`
	Invites     []InviteResponse     `json:"invites"`
	Reservation *ReservationResponse `json:"reservation,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:            t.ID,
		OwnerID:       t.OwnerID,
		Subject:       t.Subject,
		Title:         t.Title,
		Description:   t.Description,
		Price:         t.Price,
		Deadline:      t.Deadline,
		Status:        t.Status,
		ExpertID:      t.ExpertID,
		ReservedBy:    t.ReservedBy,
		ReservedUntil: t.ReservedUntil,
		InvitedNow:    t.InvitedNow,
		NextWaveAt:    t.NextWaveAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}
	if t.SubmissionJSON != nil {
		var m map[string]any
		if err := json.Unmarshal([]byte(*t.SubmissionJSON), &m); err == nil {
			resp.Submission = m
		}
	}
	return resp
}

func expertResponse(x domain.Expert) ExpertResponse {
	return ExpertResponse{
		ID:                 x.ID,
		DisplayName:        x.DisplayName,
		Subjects:           nonNilSlice(x.Subjects),
		MinPrice:           x.MinPrice,
		MaxPrice:           x.MaxPrice,
		Level:              x.Level,
		RatingAvg:          x.RatingAvg,
		RatingCount:        x.RatingCount,
		AcceptRate:         x.AcceptRate,
		MedianResponseMins: x.MedianResponseMins,
		CompletedBySubject: x.CompletedBySubject,
		CreatedAt:          x.CreatedAt,
	}
}

func inviteResponse(inv domain.Invite) InviteResponse {
	return InviteResponse(inv)
}

func reservationResponse(r *domain.Reservation) *ReservationResponse {
	if r == nil {
		return nil
	}
	return &ReservationResponse{
		TaskID:        r.TaskID,
		ReservedBy:    r.ReservedBy,
		ReservedUntil: r.ReservedUntil,
		RemainingMS:   r.RemainingMS,
	}
}

func matchingStatusResponse(s engine.MatchingStatus) MatchingStatusResponse {
	return MatchingStatusResponse{
		Task:        taskResponse(s.Task),
		Invites:     mapInvites(s.Invites),
		Reservation: reservationResponse(s.Reservation),
	}
}

func eventResponse(ev domain.Event) EventResponse {
	resp := EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err == nil {
		resp.Payload = payload
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapExperts(items []domain.Expert) []ExpertResponse {
	res := make([]ExpertResponse, 0, len(items))
	for _, x := range items {
		res = append(res, expertResponse(x))
	}
	return res
}

func mapInvites(items []domain.Invite) []InviteResponse {
	res := make([]InviteResponse, 0, len(items))
	for _, inv := range items {
		res = append(res, inviteResponse(inv))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		res = append(res, eventResponse(ev))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
