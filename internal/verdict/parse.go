// Package verdict turns free-form classifier output into a typed verdict.
package verdict

import (
	"encoding/json"
	"errors"
	"strings"

	"content-moderation-pipeline/internal/models"
)

// FallbackReason is recorded when the classifier output cannot be decoded.
const FallbackReason = "unparseable response"

// ErrUnparseable is returned by Decode when the text is not valid JSON.
var ErrUnparseable = errors.New("unparseable classifier response")

// Parse never fails. Anything Decode rejects maps to a safe verdict with
// FallbackReason.
func Parse(raw string) models.Verdict {
	v, err := Decode(raw)
	if err != nil {
		return Fallback()
	}
	return v
}

// Fallback is the verdict used when the classifier output is unusable.
func Fallback() models.Verdict {
	return models.Verdict{Status: models.StatusSafe, Reason: FallbackReason}
}

// Decode strips markdown code fences and decodes the remaining text as JSON.
// Text that is not a single JSON value, or is JSON null, is ErrUnparseable.
// Only a "status" field equal to "flagged" maps to flagged; any other value,
// including arrays and scalars, is safe with whatever string "reason" exists.
func Decode(raw string) (models.Verdict, error) {
	var doc any
	if err := json.Unmarshal([]byte(stripFences(raw)), &doc); err != nil || doc == nil {
		return models.Verdict{}, ErrUnparseable
	}

	obj, _ := doc.(map[string]any)
	status, _ := obj["status"].(string)
	reason, _ := obj["reason"].(string)
	if status == string(models.StatusFlagged) {
		return models.Verdict{Status: models.StatusFlagged, Reason: reason}, nil
	}
	return models.Verdict{Status: models.StatusSafe, Reason: reason}, nil
}

func stripFences(raw string) string {
	s := strings.ReplaceAll(raw, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
