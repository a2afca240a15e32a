package recovery

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestAdviseClassification(t *testing.T) {
	a := NewAdvisor(3)

	tests := []struct {
		name         string
		resourceType string
		payload      string
		wantClass    Class
		wantRemedy   Remedy
		wantField    string
	}{
		{
			name:         "access denied",
			resourceType: "object-store",
			payload:      "Error: AccessDenied: User is not authorized to perform s3:CreateBucket",
			wantClass:    ClassPermission,
			wantRemedy:   RemedyAbort,
		},
		{
			name:         "bad credentials",
			resourceType: "compute-instance",
			payload:      "InvalidAccessKeyId: The AWS Access Key Id you provided does not exist",
			wantClass:    ClassPermission,
			wantRemedy:   RemedyAbort,
		},
		{
			name:         "invalid instance type points at the field",
			resourceType: "compute-instance",
			payload:      "InvalidParameterValue: Invalid value 't9.mega' for InstanceType",
			wantClass:    ClassInvalidParameter,
			wantRemedy:   RemedyCorrectField,
			wantField:    "instanceType",
		},
		{
			name:         "bucket collision points at the name",
			resourceType: "object-store",
			payload:      "Error: BucketAlreadyExists: The requested bucket name is not available",
			wantClass:    ClassInvalidParameter,
			wantRemedy:   RemedyCorrectField,
			wantField:    "bucketName",
		},
		{
			name:         "bad engine version",
			resourceType: "relational-db",
			payload:      "InvalidParameterCombination: Cannot find version 99.1 for postgres engine version",
			wantClass:    ClassInvalidParameter,
			wantRemedy:   RemedyCorrectField,
			wantField:    "engineVersion",
		},
		{
			name:         "malformed policy document",
			resourceType: "identity-policy",
			payload:      "MalformedPolicyDocument: JSON strings must not have leading spaces",
			wantClass:    ClassInvalidParameter,
			wantRemedy:   RemedyCorrectField,
			wantField:    "policyDocument",
		},
		{
			name:         "throttling is transient",
			resourceType: "compute-instance",
			payload:      "Throttling: Rate exceeded",
			wantClass:    ClassTransient,
			wantRemedy:   RemedyRetry,
		},
		{
			name:         "timeout is transient",
			resourceType: "relational-db",
			payload:      "context deadline exceeded while waiting for provisioning to finish",
			wantClass:    ClassTransient,
			wantRemedy:   RemedyRetry,
		},
		{
			name:         "unrecognized stays unknown",
			resourceType: "compute-instance",
			payload:      "segfault in provider plugin",
			wantClass:    ClassUnknown,
			wantRemedy:   RemedyAbort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advice := a.Advise(tt.resourceType, tt.payload, 0)
			assert.Equal(t, tt.wantClass, advice.Class)
			assert.Equal(t, tt.wantRemedy, advice.Remedy)
			assert.Equal(t, tt.wantField, advice.Field)
			assert.NotEmpty(t, advice.Message)
		})
	}
}

func TestUnknownFailureSurfacesRawPayload(t *testing.T) {
	a := NewAdvisor(0)

	advice := a.Advise("compute-instance", "Error: FluxCapacitorMisaligned: coil out of phase", 0)
	assert.Equal(t, ClassUnknown, advice.Class)
	assert.Equal(t, RemedyAbort, advice.Remedy)
	assert.Contains(t, advice.Message, "FluxCapacitorMisaligned: coil out of phase")

	// Long output is trimmed to its tail, where the provider error sits.
	long := strings.Repeat("terraform plumbing noise\n", 40) + "Error: the actual cause"
	advice = a.Advise("compute-instance", long, 0)
	assert.Contains(t, advice.Message, "Error: the actual cause")
	assert.Less(t, len(advice.Message), 400)

	advice = a.Advise("compute-instance", "", 0)
	assert.Equal(t, ClassUnknown, advice.Class)
	assert.Contains(t, advice.Message, "no error output")
}

func TestAdviseTransientRetryCap(t *testing.T) {
	a := NewAdvisor(2)

	payload := "Throttling: Rate exceeded"

	advice := a.Advise("object-store", payload, 0)
	assert.Equal(t, RemedyRetry, advice.Remedy)

	advice = a.Advise("object-store", payload, 1)
	assert.Equal(t, RemedyRetry, advice.Remedy)

	// The cap is reached: same class, but no further retries.
	advice = a.Advise("object-store", payload, 2)
	assert.Equal(t, ClassTransient, advice.Class)
	assert.Equal(t, RemedyAbort, advice.Remedy)
}

func TestAdvisorDefaults(t *testing.T) {
	assert.Equal(t, 3, NewAdvisor(0).MaxTransientRetries())
	assert.Equal(t, 5, NewAdvisor(5).MaxTransientRetries())
}

func TestClassifyError(t *testing.T) {
	a := NewAdvisor(3)

	// Typed AWS API errors classify by code.
	apiErr := &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "no"}
	assert.Equal(t, ClassPermission, a.ClassifyError(fmt.Errorf("describing instances: %w", apiErr)))

	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}
	assert.Equal(t, ClassTransient, a.ClassifyError(throttled))

	// Untyped errors fall back to payload signatures.
	assert.Equal(t, ClassPermission, a.ClassifyError(errors.New("AccessDenied: nope")))
	assert.Equal(t, ClassTransient, a.ClassifyError(fmt.Errorf("query: %w", errors.New("connection reset by peer"))))
	assert.Equal(t, ClassUnknown, a.ClassifyError(errors.New("weird")))
	assert.Equal(t, ClassUnknown, a.ClassifyError(nil))
}
