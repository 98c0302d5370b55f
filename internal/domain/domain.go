package domain

const (
	GigOpen     = "open"
	GigAssigned = "assigned"

	BidPending  = "pending"
	BidHired    = "hired"
	BidRejected = "rejected"
)

// EventHired is the real-time event pushed to the winning bidder.
const EventHired = "gig:hired"

type Gig struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Budget      int64  `json:"budget"`
	Status      string `json:"status" enum:"open,assigned"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Bid struct {
	ID        string `json:"id"`
	GigID     string `json:"gig_id"`
	BidderID  string `json:"bidder_id"`
	Message   string `json:"message"`
	Status    string `json:"status" enum:"pending,hired,rejected"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// HiredPayload is the body of an EventHired notification.
type HiredPayload struct {
	Title string `json:"title"`
	GigID string `json:"gig_id"`
	BidID string `json:"bid_id"`
}
