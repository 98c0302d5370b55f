package server

import (
	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/realtime"
)

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name" minLength:"1"`
	Email    string `json:"email" format:"email"`
	Password string `json:"password" minLength:"6"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateGigRequest struct {
	Title       string `json:"title" minLength:"1" maxLength:"100"`
	Description string `json:"description" minLength:"1" maxLength:"2000"`
	Budget      int64  `json:"budget" minimum:"1"`
}

type PlaceBidRequest struct {
	GigID   string `json:"gig_id" minLength:"1"`
	Message string `json:"message" minLength:"1" maxLength:"1000"`
}

// Response payloads

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SessionResponse struct {
	User      UserResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at" format:"date-time"`
}

type GigResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Budget      int64  `json:"budget"`
	Status      string `json:"status" enum:"open,assigned"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type GigListResponse struct {
	Count int           `json:"count"`
	Items []GigResponse `json:"items"`
}

type BidResponse struct {
	ID        string `json:"id"`
	GigID     string `json:"gig_id"`
	BidderID  string `json:"bidder_id"`
	Message   string `json:"message"`
	Status    string `json:"status" enum:"pending,hired,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type BidListResponse struct {
	Count int           `json:"count"`
	Items []BidResponse `json:"items"`
}

type HireResponse struct {
	Message  string      `json:"message"`
	Gig      GigResponse `json:"gig"`
	Bid      BidResponse `json:"bid"`
	Rejected int64       `json:"rejected"`
	Notified bool        `json:"notified"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type HealthResponse struct {
	Status   string         `json:"status"`
	Realtime realtime.Stats `json:"realtime"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt}
}

func gigResponse(g domain.Gig) GigResponse {
	return GigResponse{
		ID:          g.ID,
		OwnerID:     g.OwnerID,
		Title:       g.Title,
		Description: g.Description,
		Budget:      g.Budget,
		Status:      g.Status,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func bidResponse(b domain.Bid) BidResponse {
	return BidResponse{
		ID:        b.ID,
		GigID:     b.GigID,
		BidderID:  b.BidderID,
		Message:   b.Message,
		Status:    b.Status,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func hireResponse(res engine.HireResult) HireResponse {
	return HireResponse{
		Message:  "Freelancer hired successfully",
		Gig:      gigResponse(res.Gig),
		Bid:      bidResponse(res.Bid),
		Rejected: res.Rejected,
		Notified: res.Notified,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapGigs(items []domain.Gig) []GigResponse {
	res := make([]GigResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gigResponse(g))
	}
	return res
}

func mapBids(items []domain.Bid) []BidResponse {
	res := make([]BidResponse, 0, len(items))
	for _, b := range items {
		res = append(res, bidResponse(b))
	}
	return res
}
