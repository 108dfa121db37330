package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ClassifierResult_AcceptsWellFormed(t *testing.T) {
	err := Validate([]byte(ClassifierResult), []byte(`{"knowledge_code":"K3","quality":"answerable","missing_fields":[],"unit_tags":["sequences"],"reasoning":"clear question","clarification_questions":[]}`))
	require.NoError(t, err)
}

func TestValidate_ClassifierResult_AcceptsLegacyGatingField(t *testing.T) {
	err := Validate([]byte(ClassifierResult), []byte(`{"knowledge_code":"K2","gating":"needs_clarify","missing_fields":["grade_level"],"reasoning":"ambiguous"}`))
	require.NoError(t, err)
}

func TestValidate_ClassifierResult_RejectsWrongQualityType(t *testing.T) {
	err := Validate([]byte(ClassifierResult), []byte(`{"knowledge_code":"K1","quality":"maybe"}`))
	assert.Error(t, err)
}

func TestValidate_ClassifierResult_RejectsNonArrayMissingFields(t *testing.T) {
	err := Validate([]byte(ClassifierResult), []byte(`{"knowledge_code":"K1","missing_fields":"grade_level"}`))
	assert.Error(t, err)
}

func TestValidate_Summary_AcceptsWellFormed(t *testing.T) {
	err := Validate([]byte(Summary), []byte(`{"title":"t","summary":"s","key_concepts":["x"],"student_progress":"p"}`))
	require.NoError(t, err)
}

func TestValidate_Summary_RejectsWrongKeyConceptsType(t *testing.T) {
	err := Validate([]byte(Summary), []byte(`{"title":"t","summary":"s","key_concepts":"x"}`))
	assert.Error(t, err)
}

func TestValidate_RejectsUnparsableInstance(t *testing.T) {
	err := Validate([]byte(ClassifierResult), []byte(`not json`))
	assert.Error(t, err)
}
