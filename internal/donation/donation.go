package donation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of content a donation carries
type Type string

const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeGIF   Type = "gif"
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// AnonymousUsername is used when a donation arrives without a username
const AnonymousUsername = "Anonymous"

var prices = map[Type]float64{
	TypeText:  0.01,
	TypeGIF:   0.02,
	TypeImage: 0.03,
	TypeAudio: 0.05,
	TypeVideo: 0.1,
}

// ParseType validates a wire donation type
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := prices[t]; !ok {
		return "", fmt.Errorf("unknown donation type %q", s)
	}
	return t, nil
}

// Price returns the SOL price for a donation type, or 0 if unknown
func Price(t Type) float64 {
	return prices[t]
}

// HasMedia reports whether the type is rendered from a media URL
func (t Type) HasMedia() bool {
	return t != TypeText
}

// Event is a normalized inbound donation from the backend stream
type Event struct {
	Username  string    `json:"username"`            // Donor username, "Anonymous" when absent
	Wallet    string    `json:"wallet,omitempty"`    // Donor wallet address if the backend sent one
	Amount    float64   `json:"amount"`              // Amount in SOL
	Type      Type      `json:"type"`                // Content type
	Text      string    `json:"text,omitempty"`      // Text content or caption
	MediaURL  string    `json:"media_url,omitempty"` // Media location for non-text donations
	CreatedAt time.Time `json:"created_at"`          // Server creation time
}

// Key is the identity used to suppress replays of the same donation
type Key string

// Key returns the (username, amount, createdAt) dedup key
func (e Event) Key() Key {
	return Key(fmt.Sprintf("%s|%s|%s",
		e.Username,
		strconv.FormatFloat(e.Amount, 'f', -1, 64),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	))
}

// Queued is a donation owned by the queue until it is handed to the overlay
type Queued struct {
	ID string `json:"id"`
	Event
}

// NewQueued assigns a fresh id to an event
func NewQueued(e Event) Queued {
	return Queued{ID: uuid.NewString(), Event: e}
}
