package export

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// JSONFormat is the lossless document form of a recording.
type JSONFormat struct{}

func (JSONFormat) ID() string        { return "json" }
func (JSONFormat) Extension() string { return ".json" }

func (JSONFormat) Render(rec *domain.Recording) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SkippedAction describes a recorded action that could not be parsed.
type SkippedAction struct {
	Index int
	Err   error
}

// ImportJSON parses a json export back into a Recording. Malformed action
// entries are skipped and reported; a malformed document is an error.
func ImportJSON(data []byte) (*domain.Recording, []SkippedAction, error) {
	var doc struct {
		ID          string                      `json:"id"`
		Name        string                      `json:"name"`
		StartTime   int64                       `json:"startTime"`
		EndTime     *int64                      `json:"endTime"`
		StartURL    string                      `json:"startUrl"`
		Actions     []json.RawMessage           `json:"actions"`
		Screenshots []domain.RecordedScreenshot `json:"screenshots"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse recording: %w", err)
	}
	if doc.ID == "" {
		return nil, nil, errors.New("parse recording: missing id")
	}

	rec := &domain.Recording{
		ID:          doc.ID,
		Name:        doc.Name,
		StartTime:   doc.StartTime,
		EndTime:     doc.EndTime,
		StartURL:    doc.StartURL,
		Actions:     make([]domain.RecordedAction, 0, len(doc.Actions)),
		Screenshots: doc.Screenshots,
	}
	if rec.Screenshots == nil {
		rec.Screenshots = []domain.RecordedScreenshot{}
	}

	var skipped []SkippedAction
	for i, raw := range doc.Actions {
		var ra domain.RecordedAction
		if err := json.Unmarshal(raw, &ra); err != nil {
			skipped = append(skipped, SkippedAction{Index: i, Err: err})
			continue
		}
		rec.Actions = append(rec.Actions, ra)
	}
	return rec, skipped, nil
}
