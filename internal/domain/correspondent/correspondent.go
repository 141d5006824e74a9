package correspondent

import (
	"database/sql"

	"github.com/google/uuid"
)

// Correspondent is the counterparty a submission is exchanged with. The
// lifecycle engine only reads it.
type Correspondent struct {
	ID                   uuid.UUID
	Code                 string
	BdsIdentifier        string
	UciCode              string
	ConventionalName     string
	Type                 bool
	ReceiveNotifications bool
	NotificationEmail    sql.NullString
}
