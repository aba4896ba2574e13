package payment

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
)

// Metadata keys carried on provider objects.
const (
	MetaUserID         = "userId"
	MetaSubscriptionID = "subscriptionId"
	MetaCorrelationID  = "correlationId"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EventMetadata is the correlation data every handled event must carry.
type EventMetadata struct {
	UserID         uuid.UUID
	SubscriptionID uuid.UUID
	CorrelationID  string
}

type rawMetadata struct {
	UserID         string `validate:"required,uuid"`
	SubscriptionID string `validate:"required,uuid"`
	CorrelationID  string `validate:"omitempty,max=128"`
}

// ParseMetadata validates provider metadata once, at the boundary.
// Missing or malformed identifiers yield a ValidationError naming the key.
func ParseMetadata(m map[string]string) (EventMetadata, error) {
	raw := rawMetadata{
		UserID:         strings.ToLower(strings.TrimSpace(m[MetaUserID])),
		SubscriptionID: strings.ToLower(strings.TrimSpace(m[MetaSubscriptionID])),
		CorrelationID:  strings.TrimSpace(m[MetaCorrelationID]),
	}
	if err := validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return EventMetadata{}, derrors.Validation(metadataKey(verrs[0].Field()), "failed %q check", verrs[0].Tag())
		}
		return EventMetadata{}, derrors.Validation("metadata", "%v", err)
	}
	// validated above; Parse cannot fail
	return EventMetadata{
		UserID:         uuid.MustParse(raw.UserID),
		SubscriptionID: uuid.MustParse(raw.SubscriptionID),
		CorrelationID:  raw.CorrelationID,
	}, nil
}

func metadataKey(field string) string {
	switch field {
	case "UserID":
		return MetaUserID
	case "SubscriptionID":
		return MetaSubscriptionID
	case "CorrelationID":
		return MetaCorrelationID
	}
	return field
}

// HasCorrelation reports whether m carries the required keys at all.
func HasCorrelation(m map[string]string) bool {
	return m[MetaUserID] != "" && m[MetaSubscriptionID] != ""
}
