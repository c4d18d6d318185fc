package models

import (
	"sort"
	"strings"
)

// PlatformID identifies a social network a post can be cross-posted to
type PlatformID string

const (
	PlatformFacebook  PlatformID = "facebook"
	PlatformTwitter   PlatformID = "twitter"
	PlatformWhatsApp  PlatformID = "whatsapp"
	PlatformInstagram PlatformID = "instagram"
	PlatformThreads   PlatformID = "threads"
)

// Platforms is the catalogue of known platforms in display order
var Platforms = []PlatformID{
	PlatformFacebook,
	PlatformTwitter,
	PlatformWhatsApp,
	PlatformInstagram,
	PlatformThreads,
}

var platformLabels = map[PlatformID]string{
	PlatformFacebook:  "Facebook",
	PlatformTwitter:   "X",
	PlatformWhatsApp:  "WhatsApp",
	PlatformInstagram: "Instagram",
	PlatformThreads:   "Threads",
}

// Label returns the human readable platform name
func (p PlatformID) Label() string {
	if label, ok := platformLabels[p]; ok {
		return label
	}
	return string(p)
}

// Valid reports whether p is part of the catalogue
func (p PlatformID) Valid() bool {
	_, ok := platformLabels[p]
	return ok
}

// ParsePlatform normalises a raw identifier. "x" is accepted as an alias for twitter.
func ParsePlatform(raw string) (PlatformID, bool) {
	p := PlatformID(strings.ToLower(strings.TrimSpace(raw)))
	if p == "x" {
		p = PlatformTwitter
	}
	return p, p.Valid()
}

func platformRank(p PlatformID) int {
	for i, known := range Platforms {
		if known == p {
			return i
		}
	}
	return len(Platforms)
}

// PlatformSet is an unordered set of platforms
type PlatformSet map[PlatformID]struct{}

// NewPlatformSet builds a set from the given platforms
func NewPlatformSet(platforms ...PlatformID) PlatformSet {
	s := make(PlatformSet, len(platforms))
	for _, p := range platforms {
		s[p] = struct{}{}
	}
	return s
}

// ParsePlatformSet builds a set from raw identifiers, dropping unknown ones
func ParsePlatformSet(raw []string) PlatformSet {
	s := make(PlatformSet, len(raw))
	for _, r := range raw {
		if p, ok := ParsePlatform(r); ok {
			s[p] = struct{}{}
		}
	}
	return s
}

func (s PlatformSet) Has(p PlatformID) bool {
	_, ok := s[p]
	return ok
}

func (s PlatformSet) Len() int { return len(s) }

func (s PlatformSet) Empty() bool { return len(s) == 0 }

// Union returns a new set holding members of s and other
func (s PlatformSet) Union(other PlatformSet) PlatformSet {
	out := make(PlatformSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Difference returns the members of s that are not in other
func (s PlatformSet) Difference(other PlatformSet) PlatformSet {
	out := make(PlatformSet, len(s))
	for p := range s {
		if !other.Has(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// Intersect returns the members of s that are also in other
func (s PlatformSet) Intersect(other PlatformSet) PlatformSet {
	out := make(PlatformSet, len(s))
	for p := range s {
		if other.Has(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// List returns the members in catalogue order, unknown platforms last
func (s PlatformSet) List() []PlatformID {
	out := make([]PlatformID, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := platformRank(out[i]), platformRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// Strings returns the members as plain strings in catalogue order
func (s PlatformSet) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = string(p)
	}
	return out
}

// Flags expands the set into one boolean per known platform
func (s PlatformSet) Flags() map[string]bool {
	flags := make(map[string]bool, len(Platforms))
	for _, p := range Platforms {
		flags[string(p)] = s.Has(p)
	}
	return flags
}

// PlatformSetFromFlags collects the platforms whose flag is set
func PlatformSetFromFlags(flags map[string]bool) PlatformSet {
	s := make(PlatformSet, len(flags))
	for raw, on := range flags {
		if !on {
			continue
		}
		if p, ok := ParsePlatform(raw); ok {
			s[p] = struct{}{}
		}
	}
	return s
}

// PostPublishState is the per-item selection and dispatch record
type PostPublishState struct {
	ItemID     string   `json:"item_id"`
	Requested  []string `json:"requested"`
	Dispatched []string `json:"dispatched"`
}

// StatusPublished is the status an item must transition to before it is dispatched
const StatusPublished = "published"

// NormalizeStatus maps CMS specific status names onto ours
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "publish" {
		return StatusPublished
	}
	return s
}

// Actor is the user on whose behalf the CMS performs an action
type Actor struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Can reports whether the actor holds the capability
func (a *Actor) Can(capability string) bool {
	if a == nil {
		return false
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ItemSnapshot is the state of the content item at transition time
type ItemSnapshot struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Permalink string `json:"permalink"`
	Excerpt   string `json:"excerpt,omitempty"`
	Content   string `json:"content,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`
}

// TransitionEvent is raised by the CMS whenever an item's status changes.
// Selection, when non-nil, carries the platform selection submitted with the same save.
type TransitionEvent struct {
	PreviousStatus string
	NewStatus      string
	ItemID         string
	Item           ItemSnapshot
	Actor          *Actor
	Autosave       bool
	Selection      PlatformSet
}

// DispatchPayload is the JSON body sent to the publishing endpoint
type DispatchPayload struct {
	PostID          string   `json:"postId"`
	Title           string   `json:"title"`
	Permalink       string   `json:"permalink"`
	Excerpt         string   `json:"excerpt"`
	TargetPlatforms []string `json:"targetPlatforms"`
	ImageURL        string   `json:"imageUrl,omitempty"`
	Content         string   `json:"content,omitempty"`
}
