package fidelity

import (
	"errors"
	"testing"
)

func TestParseGrantTypeRejectsUnknownTags(test *testing.T) {
	test.Parallel()
	if _, err := ParseGrantType("weekly"); !errors.Is(err, ErrInvalidGrantType) {
		test.Fatalf("expected ErrInvalidGrantType, got %v", err)
	}
	grantType, err := ParseGrantType("jf30")
	if err != nil {
		test.Fatalf("parse grant type: %v", err)
	}
	if grantType != GrantTypeJF30 {
		test.Fatalf("expected jf30, got %s", grantType)
	}
}

func TestDefaultTierTablesMatchSeededRules(test *testing.T) {
	test.Parallel()
	rewards7 := DefaultRewards7Day()
	if len(rewards7) != 5 || rewards7[0].Tickets != 3 || rewards7[0].Minutes != 15 || rewards7[4].Minutes != 50 {
		test.Fatalf("unexpected 7d tier table: %+v", rewards7)
	}
	rewards14 := DefaultRewards14Day()
	total := 0
	for _, tier := range rewards14 {
		total += tier.AddMinutes
	}
	if len(rewards14) != 7 || total != 55 {
		test.Fatalf("unexpected 14d tier table: %+v", rewards14)
	}
}
