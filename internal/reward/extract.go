package reward

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"taskpoints/internal/catalog"
)

var (
	// ErrExtraction means a payload was absent or lacked a display field.
	ErrExtraction = errors.New("reward extraction failed")
	// ErrNoDescriptionEntries means the species had no usable flavor text.
	ErrNoDescriptionEntries = errors.New("species has no description entries")
)

// Fields are the display values a reward is issued with.
type Fields struct {
	Name        string
	ImageURL    *string
	Description string
}

// Extractor turns catalog payloads into reward fields. It holds no state
// beyond configuration, so equal inputs always give equal outputs.
type Extractor struct {
	// TrustedImagePrefix is the only accepted image URL prefix.
	TrustedImagePrefix string
}

// Extract derives name, image and description. Any error means no reward.
func (x Extractor) Extract(entity *catalog.Entity, species *catalog.Species) (Fields, error) {
	if entity == nil || species == nil {
		return Fields{}, ErrExtraction
	}
	if entity.Name == nil || strings.TrimSpace(*entity.Name) == "" {
		return Fields{}, ErrExtraction
	}
	desc, err := lastDescription(species.FlavorTextEntries)
	if err != nil {
		return Fields{}, err
	}
	return Fields{
		Name:        titleCase(*entity.Name),
		ImageURL:    x.trustedImage(entity.Sprites.FrontDefault),
		Description: desc,
	}, nil
}

func (x Extractor) trustedImage(raw *string) *string {
	if raw == nil || x.TrustedImagePrefix == "" {
		return nil
	}
	if !strings.HasPrefix(*raw, x.TrustedImagePrefix) {
		return nil
	}
	img := *raw
	return &img
}

var flavorReplacer = strings.NewReplacer("\n", " ", "\f", " ")

// lastDescription returns the last non-empty entry in list order, not the
// first. Language is not filtered.
func lastDescription(entries []catalog.FlavorTextEntry) (string, error) {
	if len(entries) == 0 {
		return "", ErrNoDescriptionEntries
	}
	lastValid := ""
	for _, entry := range entries {
		text := flavorReplacer.Replace(entry.FlavorText)
		if strings.TrimSpace(text) == "" {
			continue
		}
		lastValid = capitalize(text)
	}
	if lastValid == "" {
		return "", ErrNoDescriptionEntries
	}
	return lastValid, nil
}

// capitalize upper-cases the first rune and leaves the rest untouched.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToTitle(r)) + s[size:]
}

// titleCase upper-cases the first letter of every run of letters and
// lower-cases the rest, so "mr-mime" becomes "Mr-Mime".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToTitle(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
