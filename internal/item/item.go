// Package item defines the closed set of item types and their payload shapes.
package item

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Type string

const (
	TypeMessageOnly      Type = "message-only"
	TypeGridCrop         Type = "grid-crop"
	TypeGridOriginal     Type = "grid-original"
	TypeGridSearch       Type = "grid-search"
	TypeMAMVideo         Type = "mam-video"
	TypeClaim            Type = "claim"
	TypeImagingRequest   Type = "imaging-request"
	TypeNewswiresSnippet Type = "newswires-snippet"
	TypeMaximisedState   Type = "maximised-state"
)

// ErrInvalid wraps every validation failure returned from this package.
var ErrInvalid = errors.New("invalid item")

// Payload is implemented by each per-type payload shape.
type Payload interface {
	validate() error
}

type GridPayload struct {
	ThumbnailURL  string `json:"thumbnail"`
	EmbeddableURL string `json:"embeddableUrl"`
	AspectRatio   string `json:"aspectRatio,omitempty"`
	CropType      string `json:"cropType,omitempty"`
}

func (p GridPayload) validate() error {
	if strings.TrimSpace(p.ThumbnailURL) == "" || strings.TrimSpace(p.EmbeddableURL) == "" {
		return errors.New("grid payload requires thumbnail and embeddableUrl")
	}
	return nil
}

type GridSearchPayload struct {
	APIURL     string   `json:"apiUrl"`
	Thumbnails []string `json:"thumbnails"`
	Query      string   `json:"query,omitempty"`
}

func (p GridSearchPayload) validate() error {
	if strings.TrimSpace(p.APIURL) == "" {
		return errors.New("grid-search payload requires apiUrl")
	}
	return nil
}

type MAMVideoPayload struct {
	ThumbnailURL  string `json:"thumbnail"`
	EmbeddableURL string `json:"embeddableUrl"`
	VideoID       string `json:"videoId,omitempty"`
}

func (p MAMVideoPayload) validate() error {
	if strings.TrimSpace(p.EmbeddableURL) == "" {
		return errors.New("mam-video payload requires embeddableUrl")
	}
	return nil
}

type NewswiresPayload struct {
	EmbeddableURL string `json:"embeddableUrl"`
	Headline      string `json:"headline,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
}

func (p NewswiresPayload) validate() error {
	if strings.TrimSpace(p.EmbeddableURL) == "" {
		return errors.New("newswires-snippet payload requires embeddableUrl")
	}
	return nil
}

type ImagingRequestPayload struct {
	RequestType string `json:"requestType"`
	GridURL     string `json:"gridUrl,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

var imagingRequestTypes = map[string]struct{}{
	"crop":     {},
	"cutout":   {},
	"montage":  {},
	"research": {},
	"other":    {},
}

func (p ImagingRequestPayload) validate() error {
	if _, ok := imagingRequestTypes[p.RequestType]; !ok {
		return fmt.Errorf("unknown imaging requestType %q", p.RequestType)
	}
	return nil
}

type MaximisedStatePayload struct {
	IsMaximised bool `json:"isMaximised"`
}

func (p MaximisedStatePayload) validate() error { return nil }

// ClaimPayload is written by the claim workflow, never by clients.
type ClaimPayload struct {
	RequestType string `json:"requestType,omitempty"`
}

func (p ClaimPayload) validate() error { return nil }

type typeRule struct {
	newPayload      func() Payload
	payloadRequired bool
	messageRequired bool
	clientCreatable bool
	claimable       bool
}

var registry = map[Type]typeRule{
	TypeMessageOnly:      {messageRequired: true, clientCreatable: true},
	TypeGridCrop:         {newPayload: func() Payload { return &GridPayload{} }, payloadRequired: true, clientCreatable: true},
	TypeGridOriginal:     {newPayload: func() Payload { return &GridPayload{} }, payloadRequired: true, clientCreatable: true},
	TypeGridSearch:       {newPayload: func() Payload { return &GridSearchPayload{} }, payloadRequired: true, clientCreatable: true},
	TypeMAMVideo:         {newPayload: func() Payload { return &MAMVideoPayload{} }, payloadRequired: true, clientCreatable: true},
	TypeNewswiresSnippet: {newPayload: func() Payload { return &NewswiresPayload{} }, payloadRequired: true, clientCreatable: true},
	TypeImagingRequest:   {newPayload: func() Payload { return &ImagingRequestPayload{} }, payloadRequired: true, clientCreatable: true, claimable: true},
	TypeMaximisedState:   {newPayload: func() Payload { return &MaximisedStatePayload{} }, payloadRequired: true, clientCreatable: true},
	TypeClaim:            {newPayload: func() Payload { return &ClaimPayload{} }},
}

func Known(t Type) bool {
	_, ok := registry[t]
	return ok
}

// ClientCreatable reports whether clients may create items of this type;
// claim items are only written by the claim workflow.
func ClientCreatable(t Type) bool {
	return registry[t].clientCreatable
}

// IsClaimableType reports whether the type may start as a claimable request
// even without a group mention.
func IsClaimableType(t Type) bool {
	return registry[t].claimable
}

// Validate checks the message and payload for the type and returns the
// canonical payload JSON to store.
func Validate(t Type, message string, raw json.RawMessage) (json.RawMessage, error) {
	rule, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, t)
	}
	if rule.messageRequired && strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: %s requires a message", ErrInvalid, t)
	}
	_, canonical, err := DecodePayload(t, raw)
	return canonical, err
}

// DecodePayload returns the typed payload (nil for types without one) along
// with its canonical JSON.
func DecodePayload(t Type, raw json.RawMessage) (Payload, json.RawMessage, error) {
	rule, ok := registry[t]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, t)
	}

	raw = bytes.TrimSpace(raw)
	hasPayload := len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
	if rule.newPayload == nil {
		if hasPayload {
			return nil, nil, fmt.Errorf("%w: %s does not take a payload", ErrInvalid, t)
		}
		return nil, nil, nil
	}
	if !hasPayload {
		if rule.payloadRequired {
			return nil, nil, fmt.Errorf("%w: %s requires a payload", ErrInvalid, t)
		}
		return nil, nil, nil
	}

	payload := rule.newPayload()
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %s payload: %v", ErrInvalid, t, err)
	}
	if err := payload.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return payload, canonical, nil
}
