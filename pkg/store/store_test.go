package store

import (
	"errors"
	"testing"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"
)

func TestIsTransient(t *testing.T) {
	for _, tc := range [...]struct {
		Name string
		Err  error
		Want bool
	}{
		{
			Name: "conditional check failure is not transient",
			Err:  &ddbtypes.ConditionalCheckFailedException{},
			Want: false,
		},
		{
			Name: "throttling is transient",
			Err:  &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
			Want: true,
		},
		{
			Name: "provisioned throughput exceeded is transient",
			Err:  &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"},
			Want: true,
		},
		{
			Name: "validation error is not transient",
			Err:  &smithy.GenericAPIError{Code: "ValidationException"},
			Want: false,
		},
		{
			Name: "unrecognized network error is transient",
			Err:  errors.New("connection reset"),
			Want: true,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if got := isTransient(tc.Err); got != tc.Want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.Err, got, tc.Want)
			}
		})
	}
}

func TestJoinComma(t *testing.T) {
	if got := joinComma(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := joinComma([]string{"#p0"}); got != "#p0" {
		t.Errorf("got %q", got)
	}
	if got := joinComma([]string{"#p0", "#p1", "#p2"}); got != "#p0, #p1, #p2" {
		t.Errorf("got %q", got)
	}
}
