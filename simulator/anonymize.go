package simulator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	uuid "github.com/satori/go.uuid"
)

// logLine is the shape of one harness JSON-lines record
type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// AnonymizeErrors tokenizes each log error by the prefix before the first
// colon, counts occurrences, and emits one record per distinct signature
// with frequency relative to the request volume. The context hash lets
// training dedupe without seeing the raw message.
func AnonymizeErrors(runID uuid.UUID, sdkLanguage string, logs []byte, totalRequests int) []AnonymizedError {
	if totalRequests <= 0 {
		return nil
	}

	counts := map[string]int{}
	contexts := map[string]string{}
	for _, raw := range strings.Split(string(logs), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var line logLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		message := line.Error
		if message == "" && line.Level == "error" {
			message = line.Message
		}
		if message == "" {
			continue
		}

		signature := message
		if idx := strings.Index(message, ":"); idx > 0 {
			signature = message[:idx]
		}
		signature = strings.TrimSpace(signature)
		counts[signature]++
		if _, ok := contexts[signature]; !ok {
			contexts[signature] = message
		}
	}

	signatures := make([]string, 0, len(counts))
	for signature := range counts {
		signatures = append(signatures, signature)
	}
	sort.Strings(signatures)

	errors := make([]AnonymizedError, 0, len(signatures))
	for _, signature := range signatures {
		errors = append(errors, AnonymizedError{
			RunID:          runID,
			ErrorSignature: signature,
			Category:       categorize(signature),
			SDKLanguage:    sdkLanguage,
			Frequency:      float64(counts[signature]) / float64(totalRequests),
			ContextHash:    fmt.Sprintf("%016x", xxhash.Sum64String(contexts[signature])),
		})
	}
	return errors
}

// categorize buckets a signature for coarse training labels
func categorize(signature string) string {
	lower := strings.ToLower(signature)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "latency"):
		return "performance"
	case strings.Contains(lower, "auth") || strings.Contains(lower, "permission"):
		return "auth"
	case strings.Contains(lower, "validation") || strings.Contains(lower, "invalid"):
		return "validation"
	default:
		return "runtime"
	}
}
