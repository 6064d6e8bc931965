package validation

import (
	"encoding/json"
	"testing"

	"chronik/pkg/models"
)

func TestValidateEventStructural(t *testing.T) {
	ok := &models.Event{EventID: "$1", RoomID: "!r", Type: models.TypeMessage, Sender: "@a"}
	if err := ValidateEvent("!r", ok); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	cases := []*models.Event{
		{RoomID: "!r", Type: "t", Sender: "@a"},
		{EventID: "$1", RoomID: "!r", Sender: "@a"},
		{EventID: "$1", RoomID: "!r", Type: "t"},
		{EventID: "$1", RoomID: "!other", Type: "t", Sender: "@a"},
	}
	for i, ev := range cases {
		if err := ValidateEvent("!r", ev); err == nil {
			t.Fatalf("case %d: malformed event accepted", i)
		}
	}
}

func TestValidateEventConfiguredLimits(t *testing.T) {
	SetRules(Rules{
		MaxContentBytes: 16,
		AllowedTypes:    map[string]struct{}{models.TypeMessage: {}},
	})
	t.Cleanup(func() { SetRules(Rules{}) })

	small := &models.Event{EventID: "$1", Type: models.TypeMessage, Sender: "@a",
		Content: json.RawMessage(`{"body":"ok"}`)}
	if err := ValidateEvent("!r", small); err != nil {
		t.Fatalf("within limits: %v", err)
	}
	big := &models.Event{EventID: "$2", Type: models.TypeMessage, Sender: "@a",
		Content: json.RawMessage(`{"body":"far too long for the limit"}`)}
	if err := ValidateEvent("!r", big); err == nil {
		t.Fatalf("oversized content accepted")
	}
	wrongType := &models.Event{EventID: "$3", Type: "m.custom", Sender: "@a"}
	if err := ValidateEvent("!r", wrongType); err == nil {
		t.Fatalf("disallowed type accepted")
	}
}
