package common

import (
	"errors"
	"testing"

	"submission-orchestrator/internal/models"
)

func TestValidatorCollectsFirstFailurePerField(t *testing.T) {
	v := NewValidator().
		Field("serviceTarget", "", Required, HTTPURL).
		Field("identityFields.residentIdFront", "12345", Required, ExactDigits(6)).
		Field("identityFields.residentIdBack", "1234567", Required, ExactDigits(7)).
		Field("identityFields.phone", "010-1234-5678", Required, PhoneNumber)

	err := v.Err()
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *models.ValidationError, got %v", err)
	}
	if len(ve.Fields) != 2 {
		t.Fatalf("expected 2 field errors, got %+v", ve.Fields)
	}
	if ve.Fields[0].Field != "serviceTarget" || ve.Fields[0].Message != "is required" {
		t.Fatalf("unexpected first error: %+v", ve.Fields[0])
	}
	if ve.Fields[1].Field != "identityFields.residentIdFront" {
		t.Fatalf("unexpected second error: %+v", ve.Fields[1])
	}
}

func TestValidatorNoErrors(t *testing.T) {
	if err := NewValidator().Field("x", "https://www.gov.kr/service", Required, HTTPURL).Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRules(t *testing.T) {
	cases := []struct {
		name  string
		rule  ValidationRule
		value string
		ok    bool
	}{
		{"digits ok", ExactDigits(6), "900101", true},
		{"digits letters", ExactDigits(6), "90010a", false},
		{"digits long", ExactDigits(7), "12345678", false},
		{"digits unicode", ExactDigits(6), "９００１０１", false},
		{"phone dashes", PhoneNumber, "010-1234-5678", true},
		{"phone short", PhoneNumber, "12345", false},
		{"url ftp", HTTPURL, "ftp://gov.kr/x", false},
		{"url relative", HTTPURL, "/service/123", false},
		{"url ok", HTTPURL, "https://www.gov.kr/mw/AA020InfoCappView.do?CappBizCD=1", true},
		{"oneof ok", OneOf("kakao", "naver"), "naver", true},
		{"oneof bad", OneOf("kakao", "naver"), "email", false},
		{"required blank", Required, "   ", false},
	}
	for _, tc := range cases {
		got := tc.rule(tc.value) == ""
		if got != tc.ok {
			t.Fatalf("%s: rule(%q) ok=%v, want %v", tc.name, tc.value, got, tc.ok)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Database.Driver = "mysql"
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	cfg = LoadConfig()
	cfg.Worker.HeartbeatThreshold = cfg.Worker.HeartbeatInterval
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected threshold <= interval to be rejected")
	}

	cfg = LoadConfig()
	cfg.Retention.LostAfter = cfg.Worker.HeartbeatThreshold
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a lost-job window inside the heartbeat threshold to be rejected")
	}
}

func TestLoadConfigReadsEnv(t *testing.T) {
	t.Setenv("HEARTBEAT_THRESHOLD", "90s")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("WORKER_SIMULATE", "false")
	cfg := LoadConfig()
	if cfg.Worker.HeartbeatThreshold.Seconds() != 90 {
		t.Fatalf("unexpected threshold: %v", cfg.Worker.HeartbeatThreshold)
	}
	if cfg.Worker.Count != 7 || cfg.Worker.Simulate {
		t.Fatalf("unexpected worker config: %+v", cfg.Worker)
	}
}
