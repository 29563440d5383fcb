package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/john/pressme-overlay/internal/donation"
)

// Kind discriminates stream messages
type Kind string

const (
	KindDonation   Kind = "donation"
	KindAuth       Kind = "auth"
	KindNowPlaying Kind = "now_playing"
)

// ErrUnknownMessage is returned for well-formed messages of a type nobody consumes
var ErrUnknownMessage = errors.New("unknown message type")

// ParseError describes a message that could not be normalized
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v", e.Reason, e.Err)
	}
	return "parse message: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// AuthEvent is a server-pushed sign-in confirmation
type AuthEvent struct {
	Username string `json:"username"`
	Wallet   string `json:"wallet"`
}

// NowPlaying is music metadata for the song widget
type NowPlaying struct {
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	AlbumArt string  `json:"album_art,omitempty"`
	Progress float64 `json:"progress"`
	Duration float64 `json:"duration"`
}

// Message is one parsed stream message. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Message struct {
	Kind       Kind
	Donation   donation.Event
	Auth       AuthEvent
	NowPlaying NowPlaying
}

type rawPayload struct {
	Type          string    `json:"type"`
	Amount        flexFloat `json:"amount"`
	MediaURLCamel string    `json:"mediaUrl"`
	MediaURL      string    `json:"media_url"`
	Wallet        string    `json:"wallet"`
	Username      string    `json:"username"`
	Timestamp     flexTime  `json:"timestamp"`
	CreatedAt     flexTime  `json:"created_at"`
	Text          string    `json:"text"`
	Content       string    `json:"content"`
}

type rawMessage struct {
	Event string `json:"event"`
	Type  string `json:"type"`

	DonationType string      `json:"donationType"`
	Amount       flexFloat   `json:"amount"`
	MediaURL     string      `json:"media_url"`
	Wallet       string      `json:"wallet"`
	Username     string      `json:"username"`
	CreatedAt    flexTime    `json:"created_at"`
	Text         string      `json:"text"`
	Payload      *rawPayload `json:"payload"`

	User *AuthEvent `json:"user"`

	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	AlbumArt string    `json:"albumArt"`
	Progress flexFloat `json:"progress"`
	Duration flexFloat `json:"duration"`
}

// ParseMessageAt parses a raw stream message using now as the fallback
// donation timestamp
func ParseMessageAt(data []byte, now time.Time) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, &ParseError{Reason: "malformed json", Err: err}
	}

	switch {
	case raw.Event == "donation" || raw.Type == "donation_event":
		ev, err := normalizeDonation(&raw, now)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindDonation, Donation: ev}, nil

	case raw.Type == "auth":
		if raw.User == nil || raw.User.Wallet == "" {
			return Message{}, &ParseError{Reason: "auth message without user wallet"}
		}
		return Message{Kind: KindAuth, Auth: *raw.User}, nil

	case raw.Type == "now_playing":
		np := NowPlaying{
			Title:    firstNonEmpty(raw.Title, "Unknown Title"),
			Artist:   firstNonEmpty(raw.Artist, "Unknown Artist"),
			AlbumArt: raw.AlbumArt,
			Progress: raw.Progress.value,
			Duration: raw.Duration.value,
		}
		return Message{Kind: KindNowPlaying, NowPlaying: np}, nil
	}

	return Message{}, fmt.Errorf("%w: event=%q type=%q", ErrUnknownMessage, raw.Event, raw.Type)
}

func normalizeDonation(raw *rawMessage, now time.Time) (donation.Event, error) {
	p := raw.Payload
	if p == nil {
		p = &rawPayload{}
	}

	typ := donation.TypeText
	if name := firstNonEmpty(raw.DonationType, p.Type); name != "" {
		t, err := donation.ParseType(name)
		if err != nil {
			return donation.Event{}, &ParseError{Reason: "donation type", Err: err}
		}
		typ = t
	}

	amount := 0.0
	for _, ff := range []flexFloat{raw.Amount, p.Amount} {
		if ff.err != nil {
			return donation.Event{}, &ParseError{Reason: "amount", Err: ff.err}
		}
		if ff.set {
			amount = ff.value
			break
		}
	}
	if amount < 0 {
		return donation.Event{}, &ParseError{Reason: fmt.Sprintf("negative amount %v", amount)}
	}

	createdAt := now
	for _, ft := range []flexTime{raw.CreatedAt, p.Timestamp, p.CreatedAt} {
		if ft.err != nil {
			return donation.Event{}, &ParseError{Reason: "timestamp", Err: ft.err}
		}
		if ft.set {
			createdAt = ft.value
			break
		}
	}

	return donation.Event{
		Username:  firstNonEmpty(raw.Username, p.Username, donation.AnonymousUsername),
		Wallet:    firstNonEmpty(raw.Wallet, p.Wallet),
		Amount:    amount,
		Type:      typ,
		Text:      firstNonEmpty(raw.Text, p.Text, p.Content),
		MediaURL:  firstNonEmpty(raw.MediaURL, p.MediaURLCamel, p.MediaURL),
		CreatedAt: createdAt.UTC(),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexFloat accepts a JSON number or a numeric string. A value that is
// neither is kept in err so the caller can report which field was bad.
type flexFloat struct {
	value float64
	set   bool
	err   error
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	f.err = f.parse(bytes.TrimSpace(b))
	return nil
}

func (f *flexFloat) parse(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		f.value, f.set = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.value, f.set = v, true
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// flexTime accepts a timestamp string or epoch milliseconds. Bad values are
// kept in err like flexFloat.
type flexTime struct {
	value time.Time
	set   bool
	err   error
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	f.err = f.parse(bytes.TrimSpace(b))
	return nil
}

func (f *flexTime) parse(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				f.value, f.set = t, true
				return nil
			}
		}
		return fmt.Errorf("invalid timestamp %q", s)
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	f.value, f.set = time.UnixMilli(int64(ms)), true
	return nil
}
