// Package recovery classifies execution failures and recommends the next
// step. Classification is conservative: a payload that matches no known
// signature stays Unknown rather than being guessed at.
package recovery

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/terrachat-io/terrachat/internal/retry"
)

// Class is the failure taxonomy.
type Class string

const (
	ClassTransient        Class = "TransientInfrastructureError"
	ClassInvalidParameter Class = "InvalidParameterError"
	ClassPermission       Class = "PermissionError"
	ClassUnknown          Class = "UnknownError"
)

// Remedy is the recommended next step.
type Remedy string

const (
	RemedyRetry        Remedy = "retry"
	RemedyCorrectField Remedy = "correct-field"
	RemedyAbort        Remedy = "abort"
)

// Advice is what the conversation layer acts on.
type Advice struct {
	Class  Class
	Remedy Remedy
	// Field names the parameter to correct when Remedy is RemedyCorrectField.
	Field   string
	Message string
}

var permissionPat = regexp.MustCompile(`(?i)(AccessDenied|UnauthorizedOperation|InvalidAccessKeyId|SignatureDoesNotMatch|AuthFailure|ExpiredToken|not authorized|credentials)`)

var invalidParamPat = regexp.MustCompile(`(?i)(InvalidParameterValue|InvalidParameterCombination|ValidationError|ValidationException|InvalidAMIID|InvalidInstanceType|Unsupported|MalformedPolicyDocument|AlreadyExists|AlreadyOwnedByYou|InvalidKey|InvalidBucketName)`)

// transientPat covers camel-cased provider codes the generic substring
// check in the retry package cannot see.
var transientPat = regexp.MustCompile(`(?i)(Throttling|RequestLimitExceeded|TooManyRequests|ServiceUnavailable|RequestTimeout|InternalError|InternalFailure|deadline exceeded)`)

// fieldSignatures map payload substrings onto the parameter that caused the
// failure, per resource type. First match wins.
var fieldSignatures = map[string][]struct {
	pattern *regexp.Regexp
	field   string
}{
	"compute-instance": {
		{regexp.MustCompile(`(?i)InvalidAMIID|image id|\bami\b`), "ami"},
		{regexp.MustCompile(`(?i)InvalidInstanceType|instance type|InstanceType`), "instanceType"},
		{regexp.MustCompile(`(?i)availability zone|AvailabilityZone`), "availabilityZone"},
		{regexp.MustCompile(`(?i)volume type|VolumeType`), "rootVolumeType"},
		{regexp.MustCompile(`(?i)volume size|VolumeSize`), "rootVolumeSize"},
	},
	"object-store": {
		{regexp.MustCompile(`(?i)BucketAlreadyExists|AlreadyOwnedByYou|InvalidBucketName|bucket name`), "bucketName"},
	},
	"relational-db": {
		{regexp.MustCompile(`(?i)DBInstanceAlreadyExists|identifier`), "identifier"},
		{regexp.MustCompile(`(?i)engine version|EngineVersion`), "engineVersion"},
		{regexp.MustCompile(`(?i)InvalidInstanceType|instance class|DBInstanceClass`), "instanceClass"},
		{regexp.MustCompile(`(?i)allocated storage|AllocatedStorage|storage`), "allocatedStorage"},
		{regexp.MustCompile(`(?i)master user ?name|username`), "username"},
		{regexp.MustCompile(`(?i)password`), "password"},
		{regexp.MustCompile(`(?i)\bengine\b`), "engine"},
	},
	"nosql-table": {
		{regexp.MustCompile(`(?i)TableAlreadyExists|ResourceInUse|table name`), "tableName"},
		{regexp.MustCompile(`(?i)key type|AttributeType|KeyType`), "hashKeyType"},
		{regexp.MustCompile(`(?i)key schema|KeySchema|attribute name`), "hashKeyName"},
	},
	"identity-principal": {
		{regexp.MustCompile(`(?i)EntityAlreadyExists|user name|UserName`), "userName"},
	},
	"identity-role": {
		{regexp.MustCompile(`(?i)MalformedPolicyDocument|assume.?role`), "assumeRolePolicy"},
		{regexp.MustCompile(`(?i)EntityAlreadyExists|role name|RoleName`), "roleName"},
	},
	"identity-policy": {
		{regexp.MustCompile(`(?i)MalformedPolicyDocument|policy document`), "policyDocument"},
		{regexp.MustCompile(`(?i)EntityAlreadyExists|policy name|PolicyName`), "policyName"},
	},
}

// Advisor turns raw failure payloads into advice.
type Advisor struct {
	maxTransientRetries int
}

// NewAdvisor builds an advisor. maxTransientRetries caps consecutive
// transient retries for the same plan; non-positive means the default.
func NewAdvisor(maxTransientRetries int) *Advisor {
	if maxTransientRetries <= 0 {
		maxTransientRetries = retry.DefaultMaxRetries
	}
	return &Advisor{maxTransientRetries: maxTransientRetries}
}

// MaxTransientRetries reports the configured cap.
func (a *Advisor) MaxTransientRetries() int {
	return a.maxTransientRetries
}

// Advise classifies a failure payload from an execution of resourceType.
// transientAttempts counts transient retries already spent on this plan.
func (a *Advisor) Advise(resourceType, payload string, transientAttempts int) Advice {
	switch {
	case permissionPat.MatchString(payload):
		return Advice{
			Class:  ClassPermission,
			Remedy: RemedyAbort,
			Message: "The provisioning account is not allowed to do this. " +
				"Check the configured credentials and their permissions, then try again.",
		}

	case invalidParamPat.MatchString(payload):
		advice := Advice{Class: ClassInvalidParameter, Remedy: RemedyAbort}
		if field, ok := identifyField(resourceType, payload); ok {
			advice.Remedy = RemedyCorrectField
			advice.Field = field
			advice.Message = fmt.Sprintf(
				"The value for %s was rejected. Let's pick a different one.", field)
		} else {
			advice.Message = "One of the requested values was rejected, but I could not tell which. Please review the request."
		}
		return advice

	case transientPat.MatchString(payload) || retry.IsTransient(errors.New(payload)):
		if transientAttempts >= a.maxTransientRetries {
			return Advice{
				Class:  ClassTransient,
				Remedy: RemedyAbort,
				Message: fmt.Sprintf(
					"The provider kept failing temporarily after %d retries. Giving up on this attempt; try again later.",
					a.maxTransientRetries),
			}
		}
		return Advice{
			Class:   ClassTransient,
			Remedy:  RemedyRetry,
			Message: "That looks like a temporary provider problem. Retrying.",
		}
	}

	return Advice{
		Class:   ClassUnknown,
		Remedy:  RemedyAbort,
		Message: unknownMessage(payload),
	}
}

// unknownTailBytes bounds how much of an unrecognized payload is echoed
// back to the user.
const unknownTailBytes = 280

func unknownMessage(payload string) string {
	tail := payloadTail(payload, unknownTailBytes)
	if tail == "" {
		return "Provisioning failed without producing any error output."
	}
	return fmt.Sprintf("Provisioning failed for a reason I don't recognize. The provider reported: %s", tail)
}

// payloadTail keeps the end of a payload, which is where terraform puts
// the actual provider error.
func payloadTail(payload string, n int) string {
	payload = strings.TrimSpace(payload)
	if len(payload) <= n {
		return payload
	}
	return "..." + payload[len(payload)-n:]
}

// ClassifyError classifies a Go error, honoring typed AWS API errors before
// falling back to payload signatures. Used on the read-only query path.
func (a *Advisor) ClassifyError(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case permissionPat.MatchString(code):
			return ClassPermission
		case invalidParamPat.MatchString(code):
			return ClassInvalidParameter
		case strings.Contains(strings.ToLower(code), "throttl"),
			strings.Contains(strings.ToLower(code), "limitexceeded"):
			return ClassTransient
		}
	}
	advice := a.Advise("", err.Error(), 0)
	return advice.Class
}

func identifyField(resourceType, payload string) (string, bool) {
	for _, sig := range fieldSignatures[resourceType] {
		if sig.pattern.MatchString(payload) {
			return sig.field, true
		}
	}
	return "", false
}
