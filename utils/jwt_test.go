package utils

import (
	"testing"

	"nestio/config"
	"nestio/models"
)

func TestJWTRoundTrip(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"

	agent := &models.Agent{Email: "jo@agency.com", TokenVersion: 3}
	agent.ID = 42

	token, err := GenerateJWTToken(agent)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ParseJWTToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.AgentID != 42 {
		t.Errorf("AgentID = %d, want 42", claims.AgentID)
	}
	if claims.TokenVersion != 3 {
		t.Errorf("TokenVersion = %d, want 3", claims.TokenVersion)
	}
}

func TestParseJWTTokenRejectsGarbage(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"
	if _, err := ParseJWTToken("not.a.token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestParseJWTTokenRejectsWrongSecret(t *testing.T) {
	config.AppConfig.JWTSecret = "secret-a"
	agent := &models.Agent{Email: "jo@agency.com"}
	agent.ID = 1
	token, err := GenerateJWTToken(agent)
	if err != nil {
		t.Fatal(err)
	}

	config.AppConfig.JWTSecret = "secret-b"
	if _, err := ParseJWTToken(token); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}
