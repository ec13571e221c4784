package engine

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-audit/internal/models"
)

// candidateNamespace scopes candidate UUIDs to this system.
var candidateNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://miradorstack.io/audit/candidate"))

// CandidateID derives a stable UUIDv5 from the candidate's identity. The
// payload is canonical JSON, so keys are sorted.
func CandidateID(typ models.CandidateType, anchorObjectID, schemaVersion string) string {
	payload, _ := json.Marshal(map[string]string{
		"type":             string(typ),
		"anchor_object_id": anchorObjectID,
		"schema_version":   schemaVersion,
	})
	return uuid.NewSHA1(candidateNamespace, payload).String()
}
