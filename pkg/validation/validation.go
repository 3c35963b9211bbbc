package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const MaxNameLength = 64

// ParticipantIDRegex matches ids issued by the relay: lowercase hex of a
// 31-bit value.
var ParticipantIDRegex = regexp.MustCompile(`^[0-9a-f]{1,8}$`)

// ValidateParticipantID validates participant ID
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateName validates a participant display name. Empty names are
// allowed.
func ValidateName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("name is too long (max %d characters)", MaxNameLength)
	}
	return nil
}

// ValidateCoordinates checks latitude and longitude ranges
func ValidateCoordinates(latitude, longitude float64) error {
	if math.IsNaN(latitude) || latitude < -90 || latitude > 90 {
		return fmt.Errorf("latitude must be within [-90, 90]")
	}
	if math.IsNaN(longitude) || longitude < -180 || longitude > 180 {
		return fmt.Errorf("longitude must be within [-180, 180]")
	}
	return nil
}

// ValidateStatus validates the values an agent reports about itself.
func ValidateStatus(name string, latitude, longitude float64) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return ValidateCoordinates(latitude, longitude)
}

// ValidateRelayURL validates the websocket address of a relay.
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ParseNonNegativeInt parses an optional query value. An empty string
// yields def.
func ParseNonNegativeInt(s string, def int, fieldName string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", fieldName)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be >= 0", fieldName)
	}
	return n, nil
}
