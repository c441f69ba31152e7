package infra

import (
	"fmt"

	"github.com/iujab/vm-terminal-sub000/internal/domain"
)

// newTestRecording builds a sealed recording with n navigate actions spaced
// 100ms apart.
func newTestRecording(id string, start int64, n int) *domain.Recording {
	end := start + int64(n)*100
	rec := &domain.Recording{
		ID:          id,
		Name:        "recording " + id,
		StartTime:   start,
		EndTime:     &end,
		StartURL:    "https://example.com",
		Actions:     []domain.RecordedAction{},
		Screenshots: []domain.RecordedScreenshot{},
	}
	for i := 0; i < n; i++ {
		rec.Actions = append(rec.Actions, domain.RecordedAction{
			ID:        fmt.Sprintf("%s-a%d", id, i),
			Timestamp: start + int64(i)*100,
			Action:    domain.Navigate{URL: fmt.Sprintf("https://example.com/%d", i)},
			Result:    &domain.ActionResult{Success: true},
		})
	}
	return rec
}
