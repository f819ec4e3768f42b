package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

type signupForm struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Age      int    `json:"age" validate:"gte=18"`
}

func TestValidateStructPassesOnValidInput(t *testing.T) {
	form := signupForm{Username: "alice", Email: "alice@example.com", Age: 20}
	require.NoError(t, ValidateStruct(form))
}

func TestValidateStructReportsEveryFailure(t *testing.T) {
	err := ValidateStruct(signupForm{Email: "invalid", Age: 10})
	require.Error(t, err)

	var vErrs ValidationErrors
	require.ErrorAs(t, err, &vErrs)
	require.Len(t, vErrs, 3)

	fields := make(map[string]string, len(vErrs))
	for _, v := range vErrs {
		fields[v.Field] = v.Tag
	}
	// Field names come from json tags, not Go identifiers.
	require.Equal(t, "required", fields["username"])
	require.Equal(t, "email", fields["email"])
	require.Equal(t, "gte", fields["age"])
}

func TestValidationErrorsMessageListsFields(t *testing.T) {
	err := ValidateStruct(signupForm{Username: "bob", Email: "bob@example.com", Age: 3})
	require.Error(t, err)
	require.Contains(t, err.Error(), "age")
}

func TestRegisterValidation(t *testing.T) {
	require.NoError(t, RegisterValidation("warden", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "warden"
	}))

	type custom struct {
		Value string `validate:"warden"`
	}

	require.NoError(t, ValidateStruct(custom{Value: "warden"}))
	require.Error(t, ValidateStruct(custom{Value: "other"}))
}
