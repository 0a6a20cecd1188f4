package orchestrator

import (
	"bufio"
	"strings"

	"github.com/agentoven/taskpilot/internal/backend"
	"github.com/agentoven/taskpilot/pkg/models"
)

// maxFactsPerResult bounds the facts kept from one listing.
const maxFactsPerResult = 25

// extractFacts pulls structured facts out of a retrieval result: explicit
// "Entity ID:", "URL:" and "Name:" markers in text payloads, and id/name/url
// of each record in JSON payloads.
func extractFacts(tool string, res *backend.Result) []models.RetrievalFact {
	if res == nil || !res.Success {
		return nil
	}

	if text, ok := res.Data.(string); ok {
		if recs := backend.Records(text); len(recs) > 0 {
			return recordFacts(tool, recs)
		}
		if f, ok := markerFact(tool, text); ok {
			return []models.RetrievalFact{f}
		}
		return nil
	}

	if recs := backend.Records(res.Data); len(recs) > 0 {
		return recordFacts(tool, recs)
	}
	if m, ok := res.Data.(map[string]interface{}); ok {
		return []models.RetrievalFact{{ToolName: tool, Data: m}}
	}
	return nil
}

func recordFacts(tool string, recs []map[string]interface{}) []models.RetrievalFact {
	if len(recs) > maxFactsPerResult {
		recs = recs[:maxFactsPerResult]
	}
	out := make([]models.RetrievalFact, 0, len(recs))
	for _, rec := range recs {
		f := models.RetrievalFact{
			ToolName: tool,
			EntityID: backend.StringField(rec, "id"),
			Name:     firstNonEmpty(backend.StringField(rec, "name"), backend.StringField(rec, "title"), backend.StringField(rec, "display_name")),
			URL:      backend.StringField(rec, "url"),
		}
		if ident := backend.StringField(rec, "identifier"); ident != "" {
			f.Extra = map[string]interface{}{"identifier": ident}
		}
		if f.EntityID == "" && f.Name == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func markerFact(tool, text string) (models.RetrievalFact, bool) {
	f := models.RetrievalFact{ToolName: tool}
	found := false
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case hasMarker(line, "Entity ID:"):
			f.EntityID = markerValue(line, "Entity ID:")
			found = true
		case hasMarker(line, "URL:"):
			f.URL = markerValue(line, "URL:")
			found = true
		case hasMarker(line, "Name:"):
			f.Name = markerValue(line, "Name:")
			found = true
		}
	}
	return f, found
}

func hasMarker(line, marker string) bool {
	return len(line) >= len(marker) && strings.EqualFold(line[:len(marker)], marker)
}

func markerValue(line, marker string) string {
	return strings.TrimSpace(line[len(marker):])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
