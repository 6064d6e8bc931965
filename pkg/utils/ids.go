package utils

import (
	"strings"

	"github.com/google/uuid"

	"chronik/pkg/models"
)

// GenChunkID returns a new stable chunk id.
func GenChunkID() string { return uuid.NewString() }

// GenLocalEventID returns a local-echo event id, recognizable until the
// server assigns the real one.
func GenLocalEventID() string {
	return models.LocalEchoPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenLocalRoomID returns a locally scoped room id used before server
// confirmation.
func GenLocalRoomID() string {
	return "!local." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenTransactionID returns a client transaction id for local echoes.
func GenTransactionID() string { return uuid.NewString() }
