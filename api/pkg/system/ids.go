package system

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	RequestPrefix = "req_"
	TunnelPrefix  = "tun_"
)

func GenerateUUID() string {
	return uuid.New().String()
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

// GenerateRequestID returns the correlation id for one forwarded request.
func GenerateRequestID() string {
	return fmt.Sprintf("%s%s", RequestPrefix, newID())
}

// GenerateTunnelID identifies one accepted tunnel connection, used in logs
// to tell superseded connections apart from their replacements.
func GenerateTunnelID() string {
	return fmt.Sprintf("%s%s", TunnelPrefix, newID())
}
