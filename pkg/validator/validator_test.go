package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type permissionPayload struct {
	Action      string `json:"action" validate:"required,oneof=grant_edit revoke_edit transfer_admin"`
	UserID      string `json:"userId" validate:"identifier"`
	AdminUserID string `json:"adminUserId" validate:"identifier"`
}

type nicknamePayload struct {
	Nickname *string `json:"nickname" validate:"omitempty,nickname"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := permissionPayload{
		Action:      "grant_edit",
		UserID:      "user_abc",
		AdminUserID: "user_def",
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := permissionPayload{
		Action:      "promote",
		UserID:      "",
		AdminUserID: "has space",
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundAdmin := false
	for _, v := range vErrs {
		if v.Field == "adminUserId" {
			foundAdmin = true
		}
	}

	if !foundAdmin {
		t.Fatal("expected adminUserId field to be present in validation errors")
	}
}

func TestNicknameRule(t *testing.T) {
	ok := "Alice"
	if err := ValidateStruct(nicknamePayload{Nickname: &ok}); err != nil {
		t.Fatalf("expected nickname to pass, got %v", err)
	}
	if err := ValidateStruct(nicknamePayload{}); err != nil {
		t.Fatalf("absent nickname must pass, got %v", err)
	}

	blank := "   "
	if err := ValidateStruct(nicknamePayload{Nickname: &blank}); err == nil {
		t.Fatal("expected blank nickname to fail")
	}
	ctrl := "bad\x07name"
	if err := ValidateStruct(nicknamePayload{Nickname: &ctrl}); err == nil {
		t.Fatal("expected control characters to fail")
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("even_len", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String())%2 == 0
	})
	if err != nil {
		t.Fatalf("register validation: %v", err)
	}

	type custom struct {
		Value string `validate:"even_len"`
	}

	if err := ValidateStruct(custom{Value: "ab"}); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
	if err := ValidateStruct(custom{Value: "abc"}); err == nil {
		t.Fatal("expected validation to fail for odd length")
	}
}
