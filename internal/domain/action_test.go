package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleActions() []Action {
	return []Action{
		Click{X: 100, Y: 100},
		Click{X: 110, Y: 105},
		Click{X: 400, Y: 400, Button: "right"},
		TypeText{Text: "hello", Selector: "#q"},
		TypeText{Text: "world"},
		Scroll{DeltaY: 300},
		Scroll{DeltaY: -120},
		Scroll{DeltaX: 40},
		Navigate{URL: "https://example.com"},
		Press{Key: "Enter", Modifiers: []string{"shift"}},
		Hover{X: 5, Y: 6},
		Back{},
		Forward{},
		Reload{},
	}
}

// TestConflicts_Rules verifies each kind-specific conflict rule
func TestConflicts_Rules(t *testing.T) {
	tests := []struct {
		name string
		a, b Action
		want bool
	}{
		{"clicks within radius", Click{X: 100, Y: 100}, Click{X: 110, Y: 105}, true},
		{"clicks far apart", Click{X: 100, Y: 100}, Click{X: 200, Y: 100}, false},
		{"clicks exactly at radius", Click{X: 0, Y: 0}, Click{X: 30, Y: 40}, false},
		{"scrolls opposite direction", Scroll{DeltaY: 100}, Scroll{DeltaY: -5}, true},
		{"scrolls same direction", Scroll{DeltaY: 100}, Scroll{DeltaY: 5}, false},
		{"horizontal scroll has no vertical sign", Scroll{DeltaX: 10}, Scroll{DeltaY: -5}, false},
		{"two type actions", TypeText{Text: "a"}, TypeText{Text: "b"}, true},
		{"navigate vs click", Navigate{URL: "x"}, Click{}, true},
		{"reload vs navigate", Reload{}, Navigate{URL: "x"}, true},
		{"click vs type", Click{}, TypeText{Text: "a"}, false},
		{"press vs press", Press{Key: "a"}, Press{Key: "b"}, false},
		{"nil never conflicts", nil, Click{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Conflicts(tt.a, tt.b))
		})
	}
}

// TestConflicts_Symmetric verifies conflicts(a,b) == conflicts(b,a) for every pair
func TestConflicts_Symmetric(t *testing.T) {
	actions := sampleActions()
	for _, a := range actions {
		for _, b := range actions {
			assert.Equal(t, Conflicts(a, b), Conflicts(b, a),
				"asymmetric conflict for %s / %s", Describe(a), Describe(b))
		}
	}
}

func TestConflictsWithin_CustomRadius(t *testing.T) {
	a := Click{X: 0, Y: 0}
	b := Click{X: 60, Y: 0}
	assert.False(t, ConflictsWithin(a, b, 50))
	assert.True(t, ConflictsWithin(a, b, 100))
}

// TestEncodeDecodeAction verifies the flat wire form for every kind
func TestEncodeDecodeAction(t *testing.T) {
	for _, a := range sampleActions() {
		t.Run(string(a.Kind()), func(t *testing.T) {
			data, err := EncodeAction(a)
			require.NoError(t, err)

			var head map[string]any
			require.NoError(t, json.Unmarshal(data, &head))
			assert.Equal(t, string(a.Kind()), head["type"])

			decoded, err := DecodeAction(data)
			require.NoError(t, err)
			assert.Equal(t, a, decoded)
		})
	}
}

func TestDecodeAction_Errors(t *testing.T) {
	_, err := DecodeAction([]byte(`{"x":1}`))
	assert.Error(t, err)

	_, err = DecodeAction([]byte(`{"type":"teleport"}`))
	assert.Error(t, err)

	_, err = DecodeAction([]byte(`not json`))
	assert.Error(t, err)
}

func TestAction_Validate(t *testing.T) {
	assert.NoError(t, Click{X: 1, Y: 2}.Validate())
	assert.Error(t, Click{Button: "fourth"}.Validate())
	assert.Error(t, TypeText{}.Validate())
	assert.Error(t, Scroll{}.Validate())
	assert.Error(t, Navigate{}.Validate())
	assert.Error(t, Press{}.Validate())
	assert.NoError(t, Back{}.Validate())
}

func TestRecordedAction_JSONShape(t *testing.T) {
	ra := RecordedAction{
		ID:        "a1",
		Timestamp: 1500,
		Action:    Click{X: 3, Y: 4},
		Result:    &ActionResult{Success: true},
	}

	data, err := json.Marshal(ra)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "click", raw["type"])
	assert.Equal(t, map[string]any{"x": float64(3), "y": float64(4)}, raw["params"])

	var back RecordedAction
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ra, back)
}

func TestPriority_Table(t *testing.T) {
	tests := []struct {
		actor Actor
		class PriorityClass
		want  int
	}{
		{ActorHuman, PriorityImmediate, 100},
		{ActorHuman, PriorityNormal, 80},
		{ActorAgent, PriorityImmediate, 60},
		{ActorAgent, PriorityNormal, 40},
		{ActorAgent, PriorityBackground, 10},
		{ActorHuman, PriorityBackground, 10},
		{ActorAgent, "", 40},
	}
	for _, tt := range tests {
		got, err := Priority(tt.actor, tt.class)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.actor, tt.class)
	}

	_, err := Priority(ActorHuman, "urgent")
	assert.Error(t, err)
}

func TestControlMode_Excludes(t *testing.T) {
	assert.False(t, ModeShared.Excludes(ActorHuman))
	assert.False(t, ModeShared.Excludes(ActorAgent))
	assert.True(t, ModeHumanOnly.Excludes(ActorAgent))
	assert.False(t, ModeHumanOnly.Excludes(ActorHuman))
	assert.True(t, ModeAgentOnly.Excludes(ActorHuman))
	assert.True(t, ModeLocked.Excludes(ActorHuman))
	assert.True(t, ModeLocked.Excludes(ActorAgent))
}

func TestRecording_SummaryAndClone(t *testing.T) {
	end := int64(4000)
	rec := &Recording{
		ID:        "r1",
		Name:      "demo",
		StartTime: 1000,
		EndTime:   &end,
		Actions: []RecordedAction{
			{ID: "a", Timestamp: 1000, Action: Back{}, Result: &ActionResult{Success: true}},
		},
		Screenshots: []RecordedScreenshot{{ID: "s", Image: []byte{1}}},
	}

	s := rec.Summary()
	assert.Equal(t, int64(3000), s.DurationMs)
	assert.Equal(t, 1, s.ActionCount)
	assert.Equal(t, 1, s.ScreenshotCount)

	clone := rec.Clone()
	assert.Equal(t, rec, clone)
	clone.Actions[0].Result.Success = false
	*clone.EndTime = 1
	assert.True(t, rec.Actions[0].Result.Success)
	assert.Equal(t, int64(4000), *rec.EndTime)
}
