package fraud

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Column limits for normalized event fields.
const (
	maxEventIDLen     = 64
	maxActionLen      = 128
	maxUserAgentLen   = 1024
	maxLocationLen    = 256
	maxFingerprintLen = 256
	maxEntityTypeLen  = 64
	maxEntityIDLen    = 128
	maxDetailShortLen = 64
	maxDetailLongLen  = 256
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func eventValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateEvent checks the fields an event cannot be scored without. Errors
// wrap ErrInvalidEvent. Optional fields are never rejected; NormalizeEvent
// bounds them instead.
func ValidateEvent(e *ActivityEvent) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}
	if err := eventValidator().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// NormalizeEvent returns a copy of e with optional fields bounded to what the
// stores hold. Oversized strings are truncated, an unparseable IP address is
// dropped, an unknown outcome is cleared and an over-long id is replaced by
// its SHA-256 hex digest. e is not modified.
func NormalizeEvent(e *ActivityEvent) *ActivityEvent {
	if e == nil {
		return nil
	}
	n := *e
	if len(n.ID) > maxEventIDLen {
		sum := sha256.Sum256([]byte(n.ID))
		n.ID = hex.EncodeToString(sum[:])
	}
	n.Action = truncate(n.Action, maxActionLen)
	n.Outcome = normalizeOutcome(n.Outcome)
	n.IPAddress = normalizeIP(n.IPAddress)
	n.UserAgent = truncate(n.UserAgent, maxUserAgentLen)
	n.Location = truncate(n.Location, maxLocationLen)
	n.DeviceFingerprint = truncate(n.DeviceFingerprint, maxFingerprintLen)
	n.EntityType = truncate(n.EntityType, maxEntityTypeLen)
	n.EntityID = truncate(n.EntityID, maxEntityIDLen)
	if e.Details != nil {
		d := *e.Details
		d.AuthMethod = truncate(d.AuthMethod, maxDetailShortLen)
		d.FailureReason = truncate(d.FailureReason, maxDetailLongLen)
		d.DocumentType = truncate(d.DocumentType, maxDetailShortLen)
		d.Bytes = max(d.Bytes, 0)
		n.Details = &d
	}
	return &n
}

func normalizeOutcome(o Outcome) Outcome {
	switch lower := Outcome(strings.ToLower(strings.TrimSpace(string(o)))); lower {
	case OutcomeSuccess, OutcomeFailure, OutcomeBlocked:
		return lower
	default:
		return ""
	}
}

func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return ""
	}
	return ip
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
